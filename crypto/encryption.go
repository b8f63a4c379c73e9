package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	secretKeySize = 32
	nonceSize     = 24
)

// ErrDecryptFailed indicates authentication failure during decryption. No
// partial plaintext is ever returned.
var ErrDecryptFailed = errors.New("crypto: decryption failed")

// Encrypt seals plaintext with XSalsa20-Poly1305 under a 32-byte key. The
// returned bytes are framed as [nonce_len(1)][nonce][ciphertext] with a fresh
// random nonce per call.
func Encrypt(secret, plaintext []byte) ([]byte, error) {
	if len(secret) != secretKeySize {
		return nil, fmt.Errorf("invalid secret length: got %d want %d", len(secret), secretKeySize)
	}

	var key [secretKeySize]byte
	copy(key[:], secret)

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+secretbox.Overhead)
	out[0] = nonceSize
	copy(out[1:], nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &key), nil
}

// Decrypt opens a [nonce_len][nonce][ciphertext] blob produced by Encrypt.
func Decrypt(secret, sealed []byte) ([]byte, error) {
	if len(secret) != secretKeySize {
		return nil, fmt.Errorf("invalid secret length: got %d want %d", len(secret), secretKeySize)
	}
	if len(sealed) < 1 {
		return nil, ErrDecryptFailed
	}

	nonceLen := int(sealed[0])
	if nonceLen != nonceSize || len(sealed) < 1+nonceLen+secretbox.Overhead {
		return nil, ErrDecryptFailed
	}

	var key [secretKeySize]byte
	copy(key[:], secret)

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[1:1+nonceLen])

	plaintext, ok := secretbox.Open(nil, sealed[1+nonceLen:], &nonce, &key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
