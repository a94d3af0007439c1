// Package mangle maps arbitrary path segments onto the small character set a
// Dataverse installation accepts for file labels and directory labels.
//
// Letters, digits, space, '_' and '.' pass through. Every other code point,
// including '-' itself, is written as "-XX-" where XX is the code point in
// upper case hexadecimal padded to an even number of digits. Since a literal
// '-' never survives unescaped, every '-' in an encoded segment opens or
// closes an escape and decoding is unambiguous.
//
// Dataverse drops a leading space, '-' or '.' from directory labels. Encoded
// directory segments starting with one of those, or with '_', get one extra
// '_' in front.
package mangle

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	esc = '-'

	// first characters of a directory label that receive the '_' guard
	guarded = " -._"
)

// FormatError is returned when a remote name is not a valid encoding.
type FormatError struct {
	Segment string
	Offset  int
	Reason  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed name '%s' at offset %d: %s", e.Segment, e.Offset, e.Reason)
}

func isSafe(r rune) bool {
	return 'a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9' ||
		r == ' ' || r == '_' || r == '.'
}

// Encode escapes a file name segment.
func Encode(segment string) string {
	var b strings.Builder
	b.Grow(len(segment))
	for _, r := range segment {
		if isSafe(r) {
			b.WriteRune(r)
			continue
		}
		h := strconv.FormatInt(int64(r), 16)
		if len(h)%2 == 1 {
			h = "0" + h
		}
		b.WriteRune(esc)
		b.WriteString(strings.ToUpper(h))
		b.WriteRune(esc)
	}
	return b.String()
}

// EncodeDir escapes a directory name segment.
func EncodeDir(segment string) string {
	e := Encode(segment)
	if e != "" && strings.IndexByte(guarded, e[0]) >= 0 {
		return "_" + e
	}
	return e
}

// Decode reverses Encode. Only the canonical encoding is accepted.
func Decode(segment string) (string, error) {
	var b strings.Builder
	b.Grow(len(segment))
	for i := 0; i < len(segment); {
		c := segment[i]
		if c != esc {
			if c >= utf8.RuneSelf || !isSafe(rune(c)) {
				return "", &FormatError{segment, i, fmt.Sprintf("character %q must be escaped", c)}
			}
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(segment[i+1:], esc)
		if end < 0 {
			return "", &FormatError{segment, i, "unterminated escape"}
		}
		r, err := decodeEscape(segment[i+1 : i+1+end])
		if err != nil {
			return "", &FormatError{segment, i, err.Error()}
		}
		b.WriteRune(r)
		i += end + 2
	}
	return b.String(), nil
}

// DecodeDir reverses EncodeDir.
func DecodeDir(segment string) (string, error) {
	if rest, ok := strings.CutPrefix(segment, "_"); ok {
		if rest == "" || strings.IndexByte(guarded, rest[0]) < 0 {
			return "", &FormatError{segment, 0, "unexpected leading '_'"}
		}
		segment = rest
	} else if segment != "" && strings.IndexByte(guarded, segment[0]) >= 0 {
		return "", &FormatError{segment, 0, fmt.Sprintf("unguarded leading %q", segment[0])}
	}
	return Decode(segment)
}

func decodeEscape(h string) (rune, error) {
	switch {
	case h == "":
		return 0, fmt.Errorf("empty escape")
	case len(h)%2 == 1:
		return 0, fmt.Errorf("odd number of hex digits in '%s'", h)
	case len(h) > 2 && strings.HasPrefix(h, "00"):
		return 0, fmt.Errorf("over-padded escape '%s'", h)
	}
	for i := 0; i < len(h); i++ {
		if !('0' <= h[i] && h[i] <= '9' || 'A' <= h[i] && h[i] <= 'F') {
			return 0, fmt.Errorf("non-hex character %q in escape", h[i])
		}
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("escape '%s' out of range", h)
	}
	r := rune(v)
	if !utf8.ValidRune(r) {
		return 0, fmt.Errorf("escape '%s' is not a valid code point", h)
	}
	if isSafe(r) {
		return 0, fmt.Errorf("escape '%s' encodes a character that needs none", h)
	}
	return r, nil
}

// Path mangles a slash separated relative path: every directory segment with
// EncodeDir, the final segment with Encode.
func Path(p string) string {
	segs := segments(p)
	for i, s := range segs {
		if i == len(segs)-1 {
			segs[i] = Encode(s)
		} else {
			segs[i] = EncodeDir(s)
		}
	}
	return strings.Join(segs, "/")
}

// Dir mangles a path that names a directory.
func Dir(p string) string {
	segs := segments(p)
	for i, s := range segs {
		segs[i] = EncodeDir(s)
	}
	return strings.Join(segs, "/")
}

// Unmangle reverses Path.
func Unmangle(p string) (string, error) {
	segs := segments(p)
	for i, s := range segs {
		var err error
		if i == len(segs)-1 {
			segs[i], err = Decode(s)
		} else {
			segs[i], err = DecodeDir(s)
		}
		if err != nil {
			return "", err
		}
	}
	return strings.Join(segs, "/"), nil
}

// Split separates a mangled path into Dataverse's directoryLabel and label.
func Split(mangled string) (dir, label string) {
	dir, label = path.Split(mangled)
	return strings.TrimSuffix(dir, "/"), label
}

// Join is the inverse of Split.
func Join(dir, label string) string {
	if dir == "" {
		return label
	}
	return strings.TrimSuffix(dir, "/") + "/" + label
}

func segments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s == "" || s == "." {
			continue
		}
		out = append(out, s)
	}
	return out
}
