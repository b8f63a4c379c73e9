package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeyIterations is the shared-secret derivation round count. Both peers
	// must use the same value or key agreement fails. (An older deployment
	// used 100,000; the constant is the single switch point.)
	KeyIterations = 10_000

	// SharedSecretSize is the derived key length in bytes.
	SharedSecretSize = 32

	// ChallengeSize is the pairing challenge length in bytes.
	ChallengeSize = 32

	saltSize      = 16
	deviceIDSize  = 16
	messageIDSize = 8
	responseSize  = 32
)

// DeriveSharedSecret derives the 32-byte pairing secret from a passphrase and
// the two device IDs. The IDs are sorted lexicographically before salting, so
// both peers derive the same key regardless of who initiated.
func DeriveSharedSecret(passphrase, idA, idB string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	if idA == "" || idB == "" {
		return nil, errors.New("both device IDs are required")
	}

	low, high := idA, idB
	if low > high {
		low, high = high, low
	}

	saltDigest := sha512.Sum512([]byte(low + ":" + high))
	salt := saltDigest[:saltSize]

	data := append([]byte(passphrase), salt...)
	for i := 0; i < KeyIterations; i++ {
		digest := sha512.Sum512(data)
		data = digest[:]
	}

	return data[:SharedSecretSize], nil
}

// GenerateChallenge returns a fresh random pairing challenge.
func GenerateChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return challenge, nil
}

// ChallengeResponse computes the proof of secret possession for a challenge.
func ChallengeResponse(challenge, secret []byte) []byte {
	digest := sha512.Sum512(append(append([]byte(nil), challenge...), secret...))
	return digest[:responseSize]
}

// VerifyChallengeResponse recomputes the expected response and compares in
// constant time.
func VerifyChallengeResponse(challenge, secret, response []byte) bool {
	expected := ChallengeResponse(challenge, secret)
	return subtle.ConstantTimeCompare(expected, response) == 1
}

// NewDeviceID returns a URL-safe random 128-bit device identifier.
func NewDeviceID() (string, error) {
	return randomID(deviceIDSize)
}

// NewMessageID returns a URL-safe random 64-bit message identifier.
func NewMessageID() (string, error) {
	return randomID(messageIDSize)
}

func randomID(size int) (string, error) {
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate identifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
