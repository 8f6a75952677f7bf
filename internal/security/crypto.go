package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16 // 128 bits

// GenerateSecureRandom fills the given slice with cryptographically secure random bytes.
func GenerateSecureRandom(data []byte) error {
	n, err := io.ReadFull(rand.Reader, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, n, len(data))
	}
	return nil
}

// DeriveKey derives a key using HKDF with SHA-256.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}

	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, masterKey, salt, info)

	derivedKey := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derivedKey); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	return derivedKey, nil
}

// DeriveKeyWithLabel derives a key with a domain separation label, so the
// same master key never serves two purposes directly.
func DeriveKeyWithLabel(masterKey []byte, label string, keySize int) ([]byte, error) {
	info := []byte("evidenced:" + label)
	return DeriveKey(masterKey, nil, info, keySize)
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength rejects keys that are all zeros or one repeated byte.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinKeySize)
	}

	allSame := true
	for _, b := range key {
		if b != key[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("%w: key is a single repeated byte", ErrWeakKey)
	}

	return nil
}

// Wipe zeroes a byte slice holding key material.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// randomSuffix generates a random suffix for temporary files.
func randomSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
