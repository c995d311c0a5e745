package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// tokenSecretBytes is the entropy of a refresh-token secret before encoding.
const tokenSecretBytes = 32

// NewTokenSecret returns a cryptographically random, URL-safe refresh-token
// secret. The raw secret is handed to the caller exactly once; only its hash
// is ever persisted.
func NewTokenSecret() (string, error) {
	buf := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashTokenSecret derives the storable one-way hash of a refresh-token secret.
func HashTokenSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
