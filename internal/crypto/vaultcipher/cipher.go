// Package vaultcipher seals individual credential values for at-rest storage.
//
// Sealed layout, base64 (std, padded): nonce(16) || tag(16) || ciphertext.
package vaultcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/scrypt"
)

// Params
const (
	KeyLen    = 32
	NonceSize = 16
	TagSize   = 16

	// Fixed KDF salt and cost; changing any of these orphans every stored blob.
	kdfSalt = "salt"
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// ErrDecrypt is returned for any blob that cannot be opened: bad base64,
// truncated input, wrong key or tampered bytes.
var ErrDecrypt = errors.New("vaultcipher: decrypt failed")

// Cipher seals and opens values with AES-256-GCM under a key derived from a passphrase.
type Cipher struct {
	aead cipher.AEAD
}

// DeriveKey stretches passphrase into a 256-bit key with scrypt.
func DeriveKey(passphrase string) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), []byte(kdfSalt), scryptN, scryptR, scryptP, KeyLen)
}

// New derives the key once and returns a ready Cipher.
func New(passphrase string) (*Cipher, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	return NewWithKey(key)
}

// NewWithKey builds a Cipher from a raw 32-byte key.
func NewWithKey(key []byte) (*Cipher, error) {
	if len(key) != KeyLen {
		return nil, errors.New("vaultcipher: key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Seal encrypts plaintext with a fresh random nonce.
func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce, err := Rand(NonceSize)
	if err != nil {
		return "", err
	}
	// GCM appends the tag; move it in front of the ciphertext.
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ctLen := len(sealed) - TagSize

	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[ctLen:]...)
	out = append(out, sealed[:ctLen]...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Any failure yields ErrDecrypt.
func (c *Cipher) Open(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < NonceSize+TagSize {
		return "", ErrDecrypt
	}
	nonce := raw[:NonceSize]
	tag := raw[NonceSize : NonceSize+TagSize]
	ct := raw[NonceSize+TagSize:]

	buf := make([]byte, 0, len(ct)+TagSize)
	buf = append(buf, ct...)
	buf = append(buf, tag...)
	pt, err := c.aead.Open(nil, nonce, buf, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(pt), nil
}
