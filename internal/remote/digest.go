package remote

import (
	"crypto"
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Digest is "<algorithm>:<lower case hex>", e.g. "md5:d41d8cd9...".
type Digest string

const DefaultAlgorithm = "md5"

var algorithms = map[string]crypto.Hash{
	"md5":     crypto.MD5,
	"sha-1":   crypto.SHA1,
	"sha1":    crypto.SHA1,
	"sha-256": crypto.SHA256,
	"sha256":  crypto.SHA256,
	"sha-512": crypto.SHA512,
	"sha512":  crypto.SHA512,
}

func (d Digest) Algorithm() string {
	algo, _, _ := strings.Cut(string(d), ":")
	return algo
}

func (d Digest) Value() string {
	_, v, _ := strings.Cut(string(d), ":")
	return v
}

// Hash reads r to the end and returns its digest with the given algorithm
// together with the number of bytes read.
func Hash(algo string, r io.Reader) (Digest, int64, error) {
	algo = strings.ToLower(algo)
	h, ok := algorithms[algo]
	if !ok {
		return "", 0, fmt.Errorf("unsupported checksum algorithm '%s'", algo)
	}
	w := h.New()
	n, err := io.Copy(w, r)
	if err != nil {
		return "", n, fmt.Errorf("could not hash content: %w", err)
	}
	return Digest(algo + ":" + hex.EncodeToString(w.Sum(nil))), n, nil
}

// HashFile hashes the file at path.
func HashFile(algo, path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open '%s': %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	d, _, err := Hash(algo, f)
	return d, err
}

func hashSeeker(algo string, rs io.ReadSeeker) (Digest, int64, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("could not rewind content: %w", err)
	}
	d, n, err := Hash(algo, rs)
	if err != nil {
		return "", 0, err
	}
	if _, err = rs.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("could not rewind content: %w", err)
	}
	return d, n, nil
}

// AlgorithmFor picks the algorithm to compare local content against an
// existing remote digest.
func AlgorithmFor(existing Digest) string {
	if algo := existing.Algorithm(); algo != "" {
		if _, ok := algorithms[algo]; ok {
			return algo
		}
	}
	return DefaultAlgorithm
}
