package secure

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBox generates a key under a temp dir and loads it.
func newTestBox(t *testing.T) *Box {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, GenerateKey(path))
	box, err := LoadKey(path)
	require.NoError(t, err)
	return box
}

// TestEncryptDecrypt verifies a round trip and that two encryptions of
// the same plaintext produce different blobs.
func TestEncryptDecrypt(t *testing.T) {
	box := newTestBox(t)

	blob, err := box.Encrypt("COVERALLS_TOKEN=abc123")
	require.NoError(t, err)

	plain, err := box.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "COVERALLS_TOKEN=abc123", plain)

	again, err := box.Encrypt("COVERALLS_TOKEN=abc123")
	require.NoError(t, err)
	assert.NotEqual(t, blob, again, "salt and nonce should differ per blob")
}

// TestDecrypt_WrongKey verifies that a blob sealed with one passphrase
// does not open with another.
func TestDecrypt_WrongKey(t *testing.T) {
	blob, err := newTestBox(t).Encrypt("TOKEN=secret")
	require.NoError(t, err)

	_, err = newTestBox(t).Decrypt(blob)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key or corrupted blob")
}

// TestDecrypt_Malformed verifies errors for blobs that are not valid
// base64 or are too short to hold a salt and nonce.
func TestDecrypt_Malformed(t *testing.T) {
	box := newTestBox(t)

	tests := []struct {
		name    string
		blob    string
		wantErr string
	}{
		{
			name:    "not base64",
			blob:    "not*base64*at*all",
			wantErr: "invalid base64",
		},
		{
			name:    "shorter than salt",
			blob:    base64.StdEncoding.EncodeToString([]byte("tiny")),
			wantErr: "blob too short",
		},
		{
			name:    "salt but no nonce",
			blob:    base64.StdEncoding.EncodeToString(make([]byte, saltLen+3)),
			wantErr: "blob too short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := box.Decrypt(tt.blob)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestLoadKey_Missing verifies the error message points at the encrypt
// command when no key file exists yet.
func TestLoadKey_Missing(t *testing.T) {
	_, err := LoadKey(filepath.Join(t.TempDir(), "nope.key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lorry encrypt")
}

// TestLoadKey_Empty verifies that a blank key file is rejected rather
// than silently deriving a key from an empty passphrase.
func TestLoadKey_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

	_, err := LoadKey(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")
}

// TestGenerateKey_NoOverwrite verifies an existing key file survives a
// second GenerateKey call.
func TestGenerateKey_NoOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, GenerateKey(path))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = GenerateKey(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// TestLoadOrGenerateKey verifies the first call creates the file and the
// second reuses it, with both boxes able to open each other's blobs.
func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")

	first, created, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	assert.False(t, created)

	blob, err := first.Encrypt("A=1")
	require.NoError(t, err)
	plain, err := second.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "A=1", plain)
}
