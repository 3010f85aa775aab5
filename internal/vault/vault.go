// Package vault encrypts secrets at rest with an AES-GCM envelope keyed by
// a per-install master key file.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const (
	// ciphertextPrefix versions the stored format: "v1:" + base64(nonce || ct || tag).
	ciphertextPrefix = "v1:"
	masterKeyLen     = 32
	nonceLen         = 12
)

// Vault encrypts and decrypts secrets with a master key loaded once at
// startup from keyPath (created with 0600 perms on first use).
type Vault struct {
	aead cipher.AEAD
	key  [masterKeyLen]byte
}

// Open loads the master key from keyPath, generating a fresh random key if
// the file does not exist.
func Open(keyPath string) (*Vault, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}

	v := &Vault{aead: aead}
	copy(v.key[:], key)
	return v, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != masterKeyLen {
			return nil, fmt.Errorf("master key %s: got %d bytes, want %d", path, len(key), masterKeyLen)
		}
		return key, nil
	case errors.Is(err, os.ErrNotExist):
		key = make([]byte, masterKeyLen)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("write master key: %w", err)
		}
		slog.Info("generated master key", "path", path)
		return key, nil
	default:
		return nil, fmt.Errorf("read master key: %w", err)
	}
}

// Encrypt seals plain with a fresh 96-bit nonce and returns the versioned
// ciphertext string.
func (v *Vault) Encrypt(plain string) string {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		// crypto/rand failure means the process cannot do anything secret-related.
		panic("vault: read nonce: " + err.Error())
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plain), nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt opens a ciphertext produced by Encrypt. Failures return ok=false
// and are logged; they are never surfaced as errors to callers.
func (v *Vault) Decrypt(ciphertext string) (string, bool) {
	raw, found := strings.CutPrefix(ciphertext, ciphertextPrefix)
	if !found {
		slog.Warn("vault: ciphertext missing version prefix")
		return "", false
	}
	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(sealed) < nonceLen {
		slog.Warn("vault: malformed ciphertext")
		return "", false
	}
	plain, err := v.aead.Open(nil, sealed[:nonceLen], sealed[nonceLen:], nil)
	if err != nil {
		slog.Warn("vault: decrypt failed")
		return "", false
	}
	return string(plain), true
}

// IsCiphertext reports whether s already carries the vault envelope prefix.
func IsCiphertext(s string) bool {
	return strings.HasPrefix(s, ciphertextPrefix)
}

// SessionKey derives a secondary signing key from the master key for web
// session tokens, so a single secret file backs both concerns.
func (v *Vault) SessionKey() []byte {
	h := sha256.New()
	h.Write(v.key[:])
	h.Write([]byte("cc-gw/web-session"))
	return h.Sum(nil)
}
