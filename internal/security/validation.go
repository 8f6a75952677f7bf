package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validation errors
var (
	ErrInvalidPath  = errors.New("security: invalid path")
	ErrInvalidInput = errors.New("security: invalid input")
	ErrNullByte     = errors.New("security: null byte in input")
)

// ValidateFilename validates a filename component (not a path). Camera
// identifiers and event kinds are embedded in evidence file names, so they
// must pass this check.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidInput)
	}

	if strings.Contains(name, "\x00") {
		return ErrNullByte
	}

	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: filename contains path separator", ErrInvalidInput)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("%w: reserved filename", ErrInvalidInput)
	}

	reserved := []string{"CON", "PRN", "AUX", "NUL",
		"COM1", "COM2", "COM3", "COM4", "COM5", "COM6", "COM7", "COM8", "COM9",
		"LPT1", "LPT2", "LPT3", "LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9"}
	upperName := strings.ToUpper(name)
	baseName := strings.TrimSuffix(upperName, filepath.Ext(upperName))
	for _, r := range reserved {
		if baseName == r {
			return fmt.Errorf("%w: reserved filename", ErrInvalidInput)
		}
	}

	if strings.ContainsAny(name, `<>:"|?*`) {
		return fmt.Errorf("%w: invalid characters in filename", ErrInvalidInput)
	}

	if strings.HasPrefix(name, " ") || strings.HasSuffix(name, " ") {
		return fmt.Errorf("%w: filename has leading/trailing spaces", ErrInvalidInput)
	}

	return nil
}

// ValidateHexString validates that a string is hexadecimal of the given length.
func ValidateHexString(s string, expectedLen int) error {
	if len(s) != expectedLen {
		return fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidInput, expectedLen, len(s))
	}

	for i, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return fmt.Errorf("%w: invalid hex character at position %d", ErrInvalidInput, i)
		}
	}

	return nil
}
