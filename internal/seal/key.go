package seal

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"evidenced/internal/security"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Key is the symmetric evidence key. The raw bytes live in an encrypted
// memguard enclave and are only unsealed for the duration of a single
// cipher operation.
type Key struct {
	enclave *memguard.Enclave
}

// ParseKey decodes a standard base64 key from configuration.
func ParseKey(encoded string) (*Key, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, &ConfigError{Field: "key", Err: fmt.Errorf("%w: key is empty", ErrKeySize)}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &ConfigError{Field: "key", Err: fmt.Errorf("decode base64: %w", err)}
	}
	return NewKey(raw)
}

// NewKey takes ownership of raw and wipes it once the enclave holds a copy.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		n := len(raw)
		security.Wipe(raw)
		return nil, &ConfigError{Field: "key", Err: fmt.Errorf("%w: got %d", ErrKeySize, n)}
	}
	return &Key{enclave: memguard.NewEnclave(raw)}, nil
}

// use unseals the key for fn. The plaintext key is destroyed on return.
func (k *Key) use(fn func(key []byte) error) error {
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("seal: open key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Derive returns a subkey for label, leaving the evidence key itself
// unexposed to other components.
func (k *Key) Derive(label string, size int) ([]byte, error) {
	var out []byte
	err := k.use(func(key []byte) error {
		var err error
		out, err = security.DeriveKeyWithLabel(key, label, size)
		return err
	})
	return out, err
}
