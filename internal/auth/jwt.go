// Package auth - jwt.go issues and verifies the HS256 session tokens handed out at
// password and OIDC login. The signing secret comes from CPN_JWT_SECRET and is loaded
// once per process.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	sessionIssuer   = "conpanion"
	sessionAudience = "conpanion-api"

	// DefaultSessionTTL applies when GenerateJWT is called with a zero lifetime
	DefaultSessionTTL = 24 * time.Hour

	minSecretLength = 32
	clockSkew       = 30 * time.Second
	secretEnv       = "CPN_JWT_SECRET"
)

// ErrInvalidToken is returned for any session token that fails verification
var ErrInvalidToken = errors.New("invalid session token")

var signingKey struct {
	once sync.Once
	key  []byte
	err  error
}

// Claims are the session token claims. The subject is the user ID.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// UserUUID parses the user the token was issued for
func (c *Claims) UserUUID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad user id", ErrInvalidToken)
	}
	return id, nil
}

// devMode reports whether a missing secret may be replaced by a random one
func devMode() bool {
	v := os.Getenv("DEV_MODE")
	return v == "true" || v == "1" || os.Getenv("GIN_MODE") == "debug"
}

func loadSigningKey() {
	secret := os.Getenv(secretEnv)
	switch {
	case secret != "":
		if len(secret) < minSecretLength {
			slog.Warn("session signing secret is shorter than recommended", "env", secretEnv, "min_length", minSecretLength)
		}
		signingKey.key = []byte(secret)
	case devMode():
		key := make([]byte, minSecretLength)
		if _, err := rand.Read(key); err != nil {
			signingKey.err = fmt.Errorf("failed to generate development signing key: %w", err)
			return
		}
		signingKey.key = key
		slog.Warn("no session signing secret set, using a random one; sessions will not survive a restart", "env", secretEnv)
	default:
		signingKey.err = fmt.Errorf("%s is required outside development mode (generate one with: openssl rand -hex 32)", secretEnv)
	}
}

// ValidateJWTSecret loads the signing secret and reports whether it is usable.
// The server calls it at startup so a misconfiguration fails fast.
func ValidateJWTSecret() error {
	signingKey.once.Do(loadSigningKey)
	return signingKey.err
}

func secret() ([]byte, error) {
	if err := ValidateJWTSecret(); err != nil {
		return nil, err
	}
	return signingKey.key, nil
}

// GenerateJWT issues a session token for userID valid for ttl
func GenerateJWT(userID, email string, ttl time.Duration) (string, error) {
	key, err := secret()
	if err != nil {
		return "", err
	}
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}

	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    sessionIssuer,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// ValidateJWT verifies signature, issuer, audience and expiry and returns the claims.
// Every failure wraps ErrInvalidToken.
func ValidateJWT(token string) (*Claims, error) {
	key, err := secret()
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithAudience(sessionAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)

	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" || claims.UserID != claims.Subject {
		return nil, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	return claims, nil
}
