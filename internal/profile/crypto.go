package profile

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters for the at-rest encryption of client key
// passwords. The salt is fixed so the derived key is stable across process
// restarts without storing it alongside the ciphertext.
const (
	kdfIterations = 100000
	kdfKeyLen     = 32
)

var kdfSalt = []byte{
	0x54, 0x96, 0xb1, 0x17, 0x19, 0x39, 0xde, 0x7b,
	0x0c, 0x75, 0x97, 0x9a, 0x6e, 0x83, 0xd3, 0xa0,
}

// Cipher encrypts and decrypts client key passwords with an AES-256-GCM key
// derived from the deployment's master passphrase.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the symmetric key from the master passphrase and
// returns a ready Cipher.
func NewCipher(passphrase []byte) (*Cipher, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("master passphrase is required")
	}

	key := pbkdf2.Key(passphrase, kdfSalt, kdfIterations, kdfKeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("derive cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("derive cipher: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt encrypts plaintext and returns a base64 token of nonce||ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tokens produced under a different master
// passphrase fail with ErrInvalidCiphertext.
func (c *Cipher) Decrypt(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
