// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package transport implements the length-prefixed encrypted framing used
// between the relay server and its clients.
package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"github.com/samber/oops"
	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters. Both ends derive the frame key from the shared
// passphrase alone, so the salt is a fixed protocol constant.
const (
	keySalt       = "chatrelay-frame-key-v1"
	keyIterations = 4096
	keyLength     = 32
)

// Cryptor encrypts and decrypts frame payloads with AES-256-GCM keyed by a
// shared passphrase.
type Cryptor struct {
	aead cipher.AEAD
}

// NewCryptor derives the frame key from the passphrase and builds the AEAD.
func NewCryptor(passphrase string) (*Cryptor, error) {
	if passphrase == "" {
		return nil, oops.Code(CodeBadKey).Errorf("passphrase cannot be empty")
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(keySalt), keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, oops.Code(CodeBadKey).Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, oops.Code(CodeBadKey).Wrap(err)
	}

	return &Cryptor{aead: aead}, nil
}

// Encrypt seals the plaintext and returns nonce||ciphertext. The result is
// longer than the plaintext, which is why frame lengths always describe
// ciphertext, never plaintext.
func (c *Cryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, oops.Code(CodeBadKey).Wrap(err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce||ciphertext produced by Encrypt. A wrong key or
// corrupted data yields a DECRYPT_FAILED error.
func (c *Cryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < c.aead.NonceSize() {
		return nil, oops.Code(CodeDecryptFailed).
			With("length", len(data)).
			Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, oops.Code(CodeDecryptFailed).Wrap(err)
	}
	return plaintext, nil
}
