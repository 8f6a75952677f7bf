package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// File permission constants
const (
	// PermSecretFile is the permission for evidence and key files (owner read/write only)
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is the permission for evidence directories
	PermSecretDir os.FileMode = 0700
)

// File operation errors
var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrTempFileFailed      = errors.New("security: temporary file creation failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
)

// AtomicWriter writes a file through a temporary sibling and renames it
// into place on Commit. Readers never observe a partially written file.
type AtomicWriter struct {
	path     string
	tempFile *os.File
	tempPath string
	done     bool
}

// NewAtomicWriter creates a writer for path with the given permissions.
func NewAtomicWriter(path string, perm os.FileMode) (*AtomicWriter, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	cleanPath := filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(cleanPath), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := cleanPath + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &AtomicWriter{
		path:     cleanPath,
		tempFile: tempFile,
		tempPath: tempPath,
	}, nil
}

// Path returns the final destination path.
func (w *AtomicWriter) Path() string {
	return w.path
}

// Write writes data to the temporary file.
func (w *AtomicWriter) Write(p []byte) (n int, err error) {
	return w.tempFile.Write(p)
}

// Commit syncs the temporary file and renames it over the destination.
func (w *AtomicWriter) Commit() error {
	if w.done {
		return ErrAtomicWriteFailed
	}
	w.done = true

	if err := w.tempFile.Sync(); err != nil {
		w.tempFile.Close()
		os.Remove(w.tempPath)
		return fmt.Errorf("sync: %w", err)
	}

	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}

	syncDir(filepath.Dir(w.path))
	return nil
}

// Abort discards the temporary file. It is safe to call after Commit.
func (w *AtomicWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

// WriteFileAtomic writes data to path atomically.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	writer, err := NewAtomicWriter(path, perm)
	if err != nil {
		return err
	}

	if _, err := writer.Write(data); err != nil {
		writer.Abort()
		return err
	}

	return writer.Commit()
}

// EnsureSecureDir ensures a directory exists and is not group/world accessible.
func EnsureSecureDir(path string) error {
	if path == "" {
		return ErrInvalidPath
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, PermSecretDir)
		}
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, path)
	}

	if runtime.GOOS != "windows" {
		if info.Mode().Perm()&0077 != 0 {
			if err := os.Chmod(path, PermSecretDir); err != nil {
				return fmt.Errorf("fix directory permissions: %w", err)
			}
		}
	}

	return nil
}

// syncDir flushes a directory entry so a completed rename survives a crash.
// Best effort: some platforms cannot fsync directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
