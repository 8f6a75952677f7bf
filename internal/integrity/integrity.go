// Package integrity computes and validates the digest that gets anchored.
//
// The digest is SHA-256 over the encrypted artifact bytes, hex-encoded in
// lowercase. Hashing the ciphertext rather than the clip binds the anchored
// value to exactly the bytes that are retrievable from storage.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"evidenced/internal/security"
)

const (
	// DigestLen is the length of a hex-encoded digest.
	DigestLen = 2 * sha256.Size
	// ChunkSize bounds the memory used while hashing a file.
	ChunkSize = 64 * 1024
)

// ErrMismatch is returned by Verify when an artifact no longer matches its digest.
var ErrMismatch = errors.New("integrity: digest mismatch")

// InvalidDigestError describes a candidate digest that was discarded.
// It is recorded on a Resolution and never returned as an error.
type InvalidDigestError struct {
	Candidate string
	Reason    error
}

func (e *InvalidDigestError) Error() string {
	return fmt.Sprintf("integrity: invalid digest %q: %v", e.Candidate, e.Reason)
}

func (e *InvalidDigestError) Unwrap() error { return e.Reason }

// Resolution is the outcome of ValidateOrRecompute.
type Resolution struct {
	// Digest is always a valid digest.
	Digest string
	// Recovered is true when the candidate was discarded and Digest was
	// recomputed from the artifact.
	Recovered bool
	// Discarded explains why the candidate was rejected.
	Discarded *InvalidDigestError
}

// FileDigest streams the file at path through SHA-256.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("integrity: open %s: %w", path, err)
	}
	defer f.Close()

	d, err := Digest(f)
	if err != nil {
		return "", fmt.Errorf("integrity: hash %s: %w", path, err)
	}
	return d, nil
}

// Digest hashes r in ChunkSize reads.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Normalize trims whitespace, strips a 0x prefix and lowercases.
func Normalize(candidate string) string {
	s := strings.TrimSpace(candidate)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	return strings.ToLower(s)
}

// Check reports why candidate is not a valid digest, or nil.
func Check(candidate string) error {
	return security.ValidateHexString(candidate, DigestLen)
}

// Valid reports whether candidate is exactly 64 lowercase hex characters.
func Valid(candidate string) bool {
	return Check(candidate) == nil && candidate == strings.ToLower(candidate)
}

// ValidateOrRecompute returns candidate when it is a valid digest, and
// otherwise the digest of the artifact of record. An invalid candidate is
// never passed through. The only error is a failure to read the artifact.
func ValidateOrRecompute(candidate, artifactPath string) (Resolution, error) {
	normalized := Normalize(candidate)
	reason := Check(normalized)
	if reason == nil {
		return Resolution{Digest: normalized}, nil
	}

	d, err := FileDigest(artifactPath)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Digest:    d,
		Recovered: true,
		Discarded: &InvalidDigestError{Candidate: candidate, Reason: reason},
	}, nil
}

// Verify re-derives the digest of path and compares it to expected.
func Verify(path, expected string) error {
	actual, err := FileDigest(path)
	if err != nil {
		return err
	}
	if !security.SecureCompare([]byte(actual), []byte(Normalize(expected))) {
		return fmt.Errorf("%w: %s has %s, expected %s", ErrMismatch, path, actual, expected)
	}
	return nil
}
