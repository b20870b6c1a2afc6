// Package auth provides authentication primitives for Conpanion: password hashing,
// session JWTs and the random capability tokens used by invitations and email
// confirmation. See internal/middleware/auth.go for the request-time checks that
// use these primitives.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12

	// TokenBytes is the size of a capability token before hex encoding (128 bits)
	TokenBytes = 16

	// MinPasswordLength is enforced at registration
	MinPasswordLength = 8
)

// ErrPasswordTooShort is returned by HashPassword for passwords below MinPasswordLength
var ErrPasswordTooShort = errors.New("password is too short")

// HashPassword returns the bcrypt hash of password
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored bcrypt hash
func CheckPassword(password, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// GenerateToken returns a new 128-bit random token, hex encoded. Invitation and
// confirmation links carry it as an unguessable capability.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidTokenShape reports whether s looks like a token produced by GenerateToken
func ValidTokenShape(s string) bool {
	if len(s) != TokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// HashToken returns the SHA-256 hex digest stored in place of a confirmation token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SecureCompare compares two secrets in constant time
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
