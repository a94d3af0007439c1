// Package locator builds and parses the clone URL that describes a Dataverse
// sibling, and normalizes the settings a git-annex remote is configured with.
package locator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	Scheme       = "datalad-annex::"
	RemoteType   = "external"
	ExternalType = "dataverse"

	EncryptionNone = "none"
)

var doiURLPrefix = regexp.MustCompile(`^https?://doi\.org/`)

// ConfigError reports a missing or malformed remote setting. It is fatal for a
// protocol session.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid remote configuration '%s': %s", e.Field, e.Reason)
}

// Locator is the decoded form of a clone URL.
type Locator struct {
	BaseURL    string
	DOI        string
	Export     bool
	Encryption string
}

// New validates and normalizes the (baseURL, identifier, mode) triple.
func New(baseURL, doi string, export bool) (Locator, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return Locator{}, &ConfigError{Field: "url", Reason: "must be specified"}
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Locator{}, &ConfigError{Field: "url", Reason: fmt.Sprintf("'%s' is not an absolute URL", baseURL)}
	}
	formatted, err := FormatDOI(doi)
	if err != nil {
		return Locator{}, err
	}
	return Locator{
		BaseURL:    baseURL,
		DOI:        formatted,
		Export:     export,
		Encryption: EncryptionNone,
	}, nil
}

// FormatDOI converts the accepted spellings of a dataset identifier into the
// "doi:..." form the native API expects.
func FormatDOI(doi string) (string, error) {
	doi = strings.TrimSpace(doi)
	switch {
	case doi == "":
		return "", &ConfigError{Field: "doi", Reason: "must be specified"}
	case strings.HasPrefix(doi, "doi:"):
		return doi, nil
	case doiURLPrefix.MatchString(doi):
		return doiURLPrefix.ReplaceAllString(doi, "doi:"), nil
	default:
		return "doi:" + doi, nil
	}
}

// Realm is the credential realm of the installation.
func (l Locator) Realm() string {
	return Realm(l.BaseURL)
}

func Realm(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/dataverse"
}

// String renders the clone URL. Values are percent-encoded with '/' kept, so
// "https://example.org" becomes "https%3A//example.org".
func (l Locator) String() string {
	encryption := l.Encryption
	if encryption == "" {
		encryption = EncryptionNone
	}
	export := "no"
	if l.Export {
		export = "yes"
	}
	return Scheme + "?" + strings.Join([]string{
		"type=" + RemoteType,
		"externaltype=" + ExternalType,
		"encryption=" + quote(encryption, "/"),
		"exporttree=" + export,
		"url=" + quote(l.BaseURL, "/"),
		"doi=" + quote(l.DOI, "/:"),
	}, "&")
}

// Parse decodes a clone URL produced by String.
func Parse(raw string) (Locator, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), Scheme)
	if !ok {
		return Locator{}, &ConfigError{Field: "locator", Reason: fmt.Sprintf("missing '%s' prefix", Scheme)}
	}
	rest, ok = strings.CutPrefix(rest, "?")
	if !ok {
		return Locator{}, &ConfigError{Field: "locator", Reason: "missing query"}
	}
	q, err := url.ParseQuery(rest)
	if err != nil {
		return Locator{}, &ConfigError{Field: "locator", Reason: err.Error()}
	}
	if t := q.Get("type"); t != RemoteType {
		return Locator{}, &ConfigError{Field: "type", Reason: fmt.Sprintf("expected '%s', got '%s'", RemoteType, t)}
	}
	if t := q.Get("externaltype"); t != ExternalType {
		return Locator{}, &ConfigError{Field: "externaltype", Reason: fmt.Sprintf("expected '%s', got '%s'", ExternalType, t)}
	}
	export, err := ParseBool(q.Get("exporttree"))
	if err != nil {
		return Locator{}, err
	}
	l, err := New(q.Get("url"), q.Get("doi"), export)
	if err != nil {
		return Locator{}, err
	}
	if e := q.Get("encryption"); e != "" {
		l.Encryption = e
	}
	return l, nil
}

// ParseBool understands git-annex's yes/no values. Empty means no.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "no", "false", "0":
		return false, nil
	case "yes", "true", "1":
		return true, nil
	}
	return false, &ConfigError{Field: "exporttree", Reason: fmt.Sprintf("'%s' is not yes or no", s)}
}

func quote(s, safe string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || strings.IndexByte(safe, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '-' || c == '_' || c == '.' || c == '~'
}
