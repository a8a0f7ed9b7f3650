// Package vault implements the at-rest codec for applet secrets and the
// operator master-key handling it depends on.
//
// Secrets are sealed with AES-256-GCM (random 12-byte nonce, 16-byte tag)
// and stored as "enc:v1:" + base64(nonce || ciphertext || tag). The AES key
// is never stored alongside the data: it is derived from a single
// operator-provisioned master key via HKDF-SHA256, together with the boot
// token signing key and the storage HMAC key, so that one key file
// provisions the whole service.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the master key length (and every derived key's length).
	KeySize = 32

	// EncPrefix marks encrypted values in the database. Values without it
	// are rejected rather than passed through as plaintext.
	EncPrefix = "enc:v1:"
)

// ErrDecrypt indicates a stored secret could not be decrypted (wrong key,
// truncated or tampered ciphertext, or a value that was never encrypted).
var ErrDecrypt = errors.New("vault: decrypt failed")

// Subkey labels for HKDF expansion. Changing a label rotates every value
// derived under it, so these are append-only.
const (
	purposeVault       = "zipper/vault/v1"
	purposeBootToken   = "zipper/boot-token/v1"
	purposeStorageHMAC = "zipper/storage-hmac/v1"
)

// Keyring holds the derived service keys. The master key itself is not
// retained after derivation.
type Keyring struct {
	vaultKey    []byte
	bootToken   []byte
	storageHMAC []byte
}

// NewKeyring derives the service keys from a 32-byte master key.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("vault: master key has size %d (expected %d)", len(master), KeySize)
	}
	kr := &Keyring{}
	for _, d := range []struct {
		purpose string
		out     *[]byte
	}{
		{purposeVault, &kr.vaultKey},
		{purposeBootToken, &kr.bootToken},
		{purposeStorageHMAC, &kr.storageHMAC},
	} {
		key := make([]byte, KeySize)
		r := hkdf.New(sha256.New, master, nil, []byte(d.purpose))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("vault: derive %s: %w", d.purpose, err)
		}
		*d.out = key
	}
	return kr, nil
}

// BootTokenKey returns the HS256 signing key for boot credentials.
func (kr *Keyring) BootTokenKey() []byte { return kr.bootToken }

// StorageHMACKey returns the shared secret for storage-call HMAC signing.
func (kr *Keyring) StorageHMACKey() []byte { return kr.storageHMAC }

// Encrypt seals plaintext with the vault key and returns a prefixed base64
// string suitable for storage.
func (kr *Keyring) Encrypt(plaintext string) (string, error) {
	return EncryptValue(kr.vaultKey, plaintext)
}

// Decrypt opens a stored value produced by Encrypt.
func (kr *Keyring) Decrypt(stored string) (string, error) {
	return DecryptValue(kr.vaultKey, stored)
}

// EncryptValue encrypts plaintext using AES-256-GCM and returns a prefixed
// base64 string.
func EncryptValue(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a stored value. The value must carry the enc:v1:
// prefix; unprefixed values are rejected as invalid rather than treated as
// plaintext, so a misconfigured key can never leak ciphertext back out as
// a "secret".
func DecryptValue(key []byte, stored string) (string, error) {
	if !strings.HasPrefix(stored, EncPrefix) {
		return "", fmt.Errorf("%w: value is not encrypted (missing %s prefix)", ErrDecrypt, EncPrefix)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrDecrypt, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecrypt)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}
