// Package secure encrypts and decrypts env values declared as
// {secure: <blob>} in .travis.yml.
//
// Values are sealed with AES-256-GCM. The key is derived from a local
// passphrase file via scrypt, so blobs are only readable on machines
// that hold the same passphrase. The wire format is
// base64(salt || nonce || ciphertext); the salt is fresh per blob, which
// keeps the derivation safe even for short passphrases.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/lorry-ci/lorry/internal/model"
)

// scrypt parameters for interactive use, per the package's own
// recommendation.
const (
	scryptN       = 1 << 15
	scryptR       = 8
	scryptP       = 1
	keyLen        = 32
	saltLen       = 16
	passphraseLen = 32
)

// Box seals and opens secure env values with a single passphrase.
type Box struct {
	passphrase []byte
}

// LoadKey reads the passphrase file at path. The file is created by
// GenerateKey (or by `lorry encrypt` on first use); a missing file is an
// error so callers can tell "no key configured" apart from a bad blob.
func LoadKey(path string) (*Box, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewCLIError(model.ExitInvalidConfig,
				fmt.Sprintf("secure key file %s not found — run 'lorry encrypt' to create one", path))
		}
		return nil, model.WrapCLIError(model.ExitInvalidConfig,
			fmt.Sprintf("failed to read secure key file %s", path), err)
	}

	passphrase := []byte(strings.TrimSpace(string(data)))
	if len(passphrase) == 0 {
		return nil, model.NewCLIError(model.ExitInvalidConfig,
			fmt.Sprintf("secure key file %s is empty", path))
	}
	return &Box{passphrase: passphrase}, nil
}

// GenerateKey writes a fresh random passphrase to path, creating parent
// directories as needed. It refuses to overwrite an existing file:
// losing a key makes every blob encrypted with it unreadable.
func GenerateKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		return model.NewCLIError(model.ExitInvalidConfig,
			fmt.Sprintf("secure key file %s already exists", path))
	}

	raw := make([]byte, passphraseLen)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return fmt.Errorf("secure.GenerateKey: %w", err)
	}
	passphrase := base64.StdEncoding.EncodeToString(raw)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("secure.GenerateKey: %w", err)
	}
	if err := os.WriteFile(path, []byte(passphrase+"\n"), 0o600); err != nil {
		return fmt.Errorf("secure.GenerateKey: %w", err)
	}
	return nil
}

// LoadOrGenerateKey returns a Box for the passphrase at path, creating
// the file first when it does not exist yet.
func LoadOrGenerateKey(path string) (*Box, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := GenerateKey(path); err != nil {
			return nil, false, err
		}
		box, err := LoadKey(path)
		return box, true, err
	}
	box, err := LoadKey(path)
	return box, false, err
}

// Encrypt seals plaintext and returns base64(salt || nonce || ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("secure.Encrypt: %w", err)
	}

	gcm, err := b.cipher(salt)
	if err != nil {
		return "", fmt.Errorf("secure.Encrypt: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secure.Encrypt: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt opens a blob produced by Encrypt and returns the plaintext.
// It satisfies travis.DecryptFunc.
func (b *Box) Decrypt(blob string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return "", fmt.Errorf("secure.Decrypt: invalid base64: %w", err)
	}
	if len(data) < saltLen {
		return "", fmt.Errorf("secure.Decrypt: blob too short")
	}
	salt, rest := data[:saltLen], data[saltLen:]

	gcm, err := b.cipher(salt)
	if err != nil {
		return "", fmt.Errorf("secure.Decrypt: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("secure.Decrypt: blob too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secure.Decrypt: wrong key or corrupted blob: %w", err)
	}
	return string(plaintext), nil
}

// cipher derives the AES key for salt and returns the GCM AEAD.
func (b *Box) cipher(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(b.passphrase, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
