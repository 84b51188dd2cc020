// Package crypto protects the NoteVault API tokens the console holds at
// rest. Tokens are sealed with AES-256-GCM under a key derived from the
// operator-supplied master key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrTokenNotFound     = errors.New("token not found")
)

// Encryptor handles encryption and decryption of sensitive data.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates a new encryptor with the given master key.
func NewEncryptor(masterKey []byte) (*Encryptor, error) {
	if len(masterKey) < 16 {
		return nil, ErrInvalidKey
	}

	// Derive a 32-byte key for AES-256.
	key := deriveKey(masterKey, nil)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm}, nil
}

// NewEncryptorFromString creates an encryptor from a base64-encoded key,
// falling back to hex.
func NewEncryptorFromString(keyStr string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		key, err = hex.DecodeString(keyStr)
		if err != nil {
			return nil, ErrInvalidKey
		}
	}
	return NewEncryptor(key)
}

// Encrypt encrypts plaintext and returns base64-encoded ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := e.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// EncryptString encrypts a string.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	return e.Encrypt([]byte(plaintext))
}

// Decrypt decrypts base64-encoded ciphertext.
func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	nonceSize := e.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, encryptedData := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, encryptedData, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// DecryptString decrypts to a string.
func (e *Encryptor) DecryptString(ciphertext string) (string, error) {
	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// TokenVault holds sealed API tokens keyed by workspace name. Values stay
// encrypted in memory and are only decrypted on Get.
type TokenVault struct {
	encryptor *Encryptor
	tokens    map[string]string
}

// NewTokenVault creates a vault over the given encryptor.
func NewTokenVault(encryptor *Encryptor) *TokenVault {
	return &TokenVault{
		encryptor: encryptor,
		tokens:    make(map[string]string),
	}
}

// Put seals and stores a token.
func (v *TokenVault) Put(workspace, token string) error {
	sealed, err := v.encryptor.EncryptString(token)
	if err != nil {
		return err
	}
	v.tokens[workspace] = sealed
	return nil
}

// Get unseals a stored token.
func (v *TokenVault) Get(workspace string) (string, error) {
	sealed, exists := v.tokens[workspace]
	if !exists {
		return "", ErrTokenNotFound
	}
	return v.encryptor.DecryptString(sealed)
}

// Delete removes a token.
func (v *TokenVault) Delete(workspace string) {
	delete(v.tokens, workspace)
}

// Workspaces returns the names with stored tokens.
func (v *TokenVault) Workspaces() []string {
	names := make([]string, 0, len(v.tokens))
	for name := range v.tokens {
		names = append(names, name)
	}
	return names
}

// Import loads already-sealed tokens, e.g. from a config file.
func (v *TokenVault) Import(sealed map[string]string) {
	for name, value := range sealed {
		v.tokens[name] = value
	}
}

// Export returns the sealed tokens for persistence. Values remain
// encrypted.
func (v *TokenVault) Export() map[string]string {
	out := make(map[string]string, len(v.tokens))
	for name, value := range v.tokens {
		out[name] = value
	}
	return out
}

// GenerateMasterKey generates a new base64-encoded master key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// deriveKey derives a key from the master key using PBKDF2.
func deriveKey(masterKey, salt []byte) []byte {
	if salt == nil {
		salt = []byte("notevault-console-v1")
	}
	return pbkdf2.Key(masterKey, salt, 10000, 32, sha256.New)
}
