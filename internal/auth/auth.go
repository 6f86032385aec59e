// Package auth verifies bearer tokens issued by the identity provider and
// mints tokens for local development.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/voicegen-backend/internal/config"
)

var (
	// ErrMissingToken means no bearer token was presented.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken covers every verification failure.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Claims is the verified token payload. Subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Identity is what the rest of the service learns from a token.
type Identity struct {
	UserID string
	Email  string
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a verifier from the auth config. An empty secret is
// rejected rather than accepting unsigned tokens.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth: JWT secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{secret: []byte(cfg.JWTSecret), parser: jwt.NewParser(opts...)}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Verify checks signature, algorithm, expiry and the configured issuer and
// audience, and returns the caller identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, errors.Join(ErrInvalidToken, errors.New("token has no subject"))
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// Issue signs a token for subject. It serves the dev CLI and tests.
func Issue(cfg config.AuthConfig, subject, email string, ttl time.Duration) (string, error) {
	if cfg.JWTSecret == "" {
		return "", errors.New("auth: JWT secret is required")
	}
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}
