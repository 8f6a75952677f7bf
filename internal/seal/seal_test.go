package seal

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) (*Key, string) {
	t.Helper()
	raw := make([]byte, KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(raw)
	key, err := ParseKey(encoded)
	require.NoError(t, err)
	return key, encoded
}

func TestParseKey(t *testing.T) {
	_, encoded := newTestKey(t)
	_, err := ParseKey(encoded)
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not base64", "%%%not-base64%%%"},
		{"16 bytes", base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{"33 bytes", base64.StdEncoding.EncodeToString(make([]byte, 33))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseKey(tc.input)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "key", ce.Field)
		})
	}
}

func TestNewKey_WipesInput(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, 16)
	_, err := NewKey(raw)
	assert.ErrorIs(t, err, ErrKeySize)
	assert.Equal(t, make([]byte, 16), raw)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key, _ := newTestKey(t)
	s := New(key)

	sizes := []int{0, 1, 15, 16, 17, 4096, 1 << 20}
	for _, n := range sizes {
		data := make([]byte, n)
		_, _ = rand.Read(data)

		blob, err := s.Seal(data)
		require.NoError(t, err)
		assert.Len(t, blob, n+Overhead)

		got, err := s.Open(blob)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "size %d", n)
	}
}

func TestSeal_FreshNonce(t *testing.T) {
	key, _ := newTestKey(t)
	s := New(key)

	seen := make(map[string]bool)
	for i := 0; i < 256; i++ {
		blob, err := s.Seal([]byte("same plaintext"))
		require.NoError(t, err)
		nonce := string(blob[:NonceSize])
		assert.False(t, seen[nonce], "nonce repeated")
		seen[nonce] = true
	}
}

func TestOpen_TamperDetection(t *testing.T) {
	key, _ := newTestKey(t)
	other, _ := newTestKey(t)
	s := New(key)

	blob, err := s.Seal([]byte("evidence clip bytes"))
	require.NoError(t, err)

	for i := range blob {
		tampered := append([]byte(nil), blob...)
		tampered[i] ^= 0x01
		_, err := s.Open(tampered)
		assert.ErrorIs(t, err, ErrAuthentication, "flipped byte %d", i)
	}

	_, err = New(other).Open(blob)
	assert.ErrorIs(t, err, ErrAuthentication)

	_, err = s.Open(blob[:Overhead-1])
	assert.ErrorIs(t, err, ErrAuthentication)

	_, err = s.Open(blob[:len(blob)-1])
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestEncryptDecrypt_Files(t *testing.T) {
	dir := t.TempDir()
	key, _ := newTestKey(t)
	s := New(key)

	clip := filepath.Join(dir, "cam1_melee_20250101_000000.avi")
	plaintext := bytes.Repeat([]byte("RIFF-frames"), 1000)
	require.NoError(t, os.WriteFile(clip, plaintext, 0600))

	artifactPath := clip + ".enc"
	a, err := s.Encrypt(clip, artifactPath)
	require.NoError(t, err)
	assert.Equal(t, artifactPath, a.Path)
	assert.Equal(t, clip, a.SourcePath)
	assert.Equal(t, int64(len(plaintext)+Overhead), a.Size)

	blob, err := os.ReadFile(artifactPath)
	require.NoError(t, err)
	assert.Equal(t, a.Nonce[:], blob[:NonceSize])
	assert.False(t, bytes.Contains(blob, []byte("RIFF-frames")))

	out := filepath.Join(dir, "recovered.avi")
	require.NoError(t, s.Decrypt(artifactPath, out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_TamperedFile(t *testing.T) {
	dir := t.TempDir()
	key, _ := newTestKey(t)
	s := New(key)

	clip := filepath.Join(dir, "clip.avi")
	require.NoError(t, os.WriteFile(clip, []byte("frames"), 0600))
	artifactPath := filepath.Join(dir, "clip.avi.enc")
	_, err := s.Encrypt(clip, artifactPath)
	require.NoError(t, err)

	blob, err := os.ReadFile(artifactPath)
	require.NoError(t, err)
	blob[len(blob)/2] ^= 0xff
	require.NoError(t, os.WriteFile(artifactPath, blob, 0600))

	out := filepath.Join(dir, "out.avi")
	err = s.Decrypt(artifactPath, out)
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, artifactPath, ae.Path)
	assert.True(t, errors.Is(err, ErrAuthentication))

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "decrypt wrote output for a tampered artifact")
}

func TestEncrypt_IOErrors(t *testing.T) {
	dir := t.TempDir()
	key, _ := newTestKey(t)
	s := New(key)

	_, err := s.Encrypt(filepath.Join(dir, "missing.avi"), filepath.Join(dir, "out.enc"))
	var ioe *IOError
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "read", ioe.Op)

	clip := filepath.Join(dir, "clip.avi")
	require.NoError(t, os.WriteFile(clip, []byte("x"), 0600))
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	_, err = s.Encrypt(clip, filepath.Join(blocker, "out.enc"))
	require.ErrorAs(t, err, &ioe)
	assert.Equal(t, "write", ioe.Op)
}

func TestKeyDerive(t *testing.T) {
	key, _ := newTestKey(t)
	a, err := key.Derive("journal-mac", 32)
	require.NoError(t, err)
	b, err := key.Derive("journal-mac", 32)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}
