// Package integrity verifies a completed download's checksum (spec
// §4.3 "Completion validation", §7 integrity_failure).
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// Algorithm names a supported checksum algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	Blake3 Algorithm = "blake3"
)

func newHasher(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256, "":
		return sha256.New(), nil
	case Blake3:
		return blake3.New(32, nil), nil
	default:
		return nil, fmt.Errorf("integrity: unsupported algorithm %q", alg)
	}
}

// Sum hashes the file at path with alg, returning a lowercase hex
// digest.
func Sum(path string, alg Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("integrity: open %s: %w", path, err)
	}
	defer f.Close()

	h, err := newHasher(alg)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("integrity: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Spec is an expected checksum, optionally prefixed with its
// algorithm as "sha256:<hex>" or "blake3:<hex>"; a bare hex string
// defaults to sha256.
type Spec string

func (s Spec) parse() (Algorithm, string) {
	str := string(s)
	if idx := strings.IndexByte(str, ':'); idx > 0 {
		return Algorithm(str[:idx]), strings.ToLower(str[idx+1:])
	}
	return SHA256, strings.ToLower(str)
}

// Verify computes the checksum of path using the algorithm named in
// spec and compares it, case-insensitively, against the expected
// digest. Returns nil on match.
func Verify(path string, spec Spec) error {
	if spec == "" {
		return nil
	}
	alg, want := spec.parse()
	got, err := Sum(path, alg)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("integrity: %s checksum mismatch: got %s, want %s", alg, got, want)
	}
	return nil
}
