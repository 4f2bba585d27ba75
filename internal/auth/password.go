// Package auth implements the access gate: a single PBKDF2-hashed
// password, HMAC session tokens derived from it and a proof-of-work
// challenge that rate-limits login attempts.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	saltBytes        = 16
	keyBytes         = 32
)

// HashPassword derives a PBKDF2-HMAC-SHA256 hash and encodes it together
// with its random salt as "base64url(salt).base64url(hash)".
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyBytes, sha256.New)
	return base64.RawURLEncoding.EncodeToString(salt) + "." + base64.RawURLEncoding.EncodeToString(key), nil
}

// VerifyPassword checks password against a stored HashPassword value in
// constant time.
func VerifyPassword(stored, password string) bool {
	saltPart, hashPart, ok := strings.Cut(stored, ".")
	if !ok {
		return false
	}
	salt, err := base64.RawURLEncoding.DecodeString(saltPart)
	if err != nil {
		return false
	}
	want, err := base64.RawURLEncoding.DecodeString(hashPart)
	if err != nil || len(want) != keyBytes {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyBytes, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
