// Package seal encrypts evidence clips at rest with AES-256-GCM.
//
// An artifact is a single opaque blob:
//
//	nonce (12 bytes) || ciphertext || tag (16 bytes)
//
// Every Encrypt call draws a fresh nonce from crypto/rand, so a nonce is
// never reused under the same key.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"os"

	"evidenced/internal/security"
)

const (
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
	// Overhead is the number of bytes an artifact adds to its plaintext.
	Overhead = NonceSize + TagSize
)

// Artifact describes an encrypted clip on disk.
type Artifact struct {
	Path       string
	SourcePath string
	Nonce      [NonceSize]byte
	Size       int64
}

// Sealer performs authenticated encryption with one configured key.
type Sealer struct {
	key *Key
}

// New creates a sealer. The key is validated when it is parsed.
func New(key *Key) *Sealer {
	return &Sealer{key: key}
}

func (s *Sealer) aead(fn func(gcm cipher.AEAD) error) error {
	return s.key.use(func(key []byte) error {
		block, err := aes.NewCipher(key)
		if err != nil {
			return err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return err
		}
		return fn(gcm)
	})
}

// Seal encrypts plaintext into nonce||ciphertext||tag.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if err := security.GenerateSecureRandom(nonce[:]); err != nil {
		return nil, err
	}

	var out []byte
	err := s.aead(func(gcm cipher.AEAD) error {
		out = make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
		copy(out, nonce[:])
		out = gcm.Seal(out, nonce[:], plaintext, nil)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return out, nil
}

// Open verifies and decrypts a blob produced by Seal.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, &AuthenticationError{}
	}

	var plaintext []byte
	err := s.aead(func(gcm cipher.AEAD) error {
		var err error
		plaintext, err = gcm.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
		if err != nil {
			return &AuthenticationError{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Encrypt seals the clip at plaintextPath into outPath. The artifact
// appears at outPath only once it is completely written.
func (s *Sealer) Encrypt(plaintextPath, outPath string) (*Artifact, error) {
	plaintext, err := os.ReadFile(plaintextPath)
	if err != nil {
		return nil, &IOError{Op: "read", Path: plaintextPath, Err: err}
	}

	blob, err := s.Seal(plaintext)
	security.Wipe(plaintext)
	if err != nil {
		return nil, err
	}

	if err := security.WriteFileAtomic(outPath, blob, security.PermSecretFile); err != nil {
		return nil, &IOError{Op: "write", Path: outPath, Err: err}
	}

	a := &Artifact{
		Path:       outPath,
		SourcePath: plaintextPath,
		Size:       int64(len(blob)),
	}
	copy(a.Nonce[:], blob[:NonceSize])
	return a, nil
}

// Decrypt verifies the artifact at artifactPath and writes the recovered
// clip to outPath. Nothing is written when verification fails.
func (s *Sealer) Decrypt(artifactPath, outPath string) error {
	blob, err := os.ReadFile(artifactPath)
	if err != nil {
		return &IOError{Op: "read", Path: artifactPath, Err: err}
	}

	plaintext, err := s.Open(blob)
	if err != nil {
		var ae *AuthenticationError
		if errors.As(err, &ae) {
			ae.Path = artifactPath
		}
		return err
	}

	if err := security.WriteFileAtomic(outPath, plaintext, security.PermSecretFile); err != nil {
		return &IOError{Op: "write", Path: outPath, Err: err}
	}
	return nil
}
