package seal

import (
	"errors"
	"fmt"
)

// ErrAuthentication is matched by every tag verification failure.
var ErrAuthentication = errors.New("seal: authentication failed")

// ErrKeySize is matched when key material is not exactly KeySize bytes.
var ErrKeySize = errors.New("seal: key must be exactly 32 bytes")

// ConfigError reports unusable key configuration. It is raised while
// loading configuration, never during encryption.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("seal: config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IOError reports a failure reading a clip or writing an artifact.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("seal: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// AuthenticationError reports an artifact whose tag does not verify:
// the bytes were altered, truncated, or sealed under another key.
type AuthenticationError struct {
	Path string
}

func (e *AuthenticationError) Error() string {
	if e.Path == "" {
		return ErrAuthentication.Error()
	}
	return fmt.Sprintf("%v: %s", ErrAuthentication, e.Path)
}

func (e *AuthenticationError) Unwrap() error { return ErrAuthentication }
