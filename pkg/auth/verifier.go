package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Error is a simple error type for auth errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for token verification.
var (
	// ErrInvalidToken is returned for malformed, unsigned, or tampered
	// tokens, and for tokens signed with an unexpected algorithm.
	ErrInvalidToken = Error("invalid token")

	// ErrTokenExpired is returned for well-formed tokens past their expiry.
	ErrTokenExpired = Error("token expired")

	// ErrMissingSubject is returned when a verified token has no subject
	// claim to derive a user ID from.
	ErrMissingSubject = Error("token has no subject")
)

// Identity is the result of a successful token verification.
type Identity struct {
	UserID string
}

// TokenVerifier turns a bearer token into an Identity. The TCP handler,
// WebSocket session, and GraphQL transport all authenticate through this
// interface; the JWT implementation below is the default.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTVerifier verifies HS256-signed JWTs. The subject claim carries the
// user ID. An optional issuer is enforced when configured.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// Interface compliance check.
var _ TokenVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier for tokens signed with the given shared
// secret. An empty issuer disables issuer checking.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

// Verify parses and validates a token and returns the identity it carries.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, ErrMissingSubject
	}
	return Identity{UserID: sub}, nil
}

// Issue mints a token for a user. Used by the token CLI command and tests;
// production deployments normally mint tokens in a separate auth service
// sharing the same secret.
func (v *JWTVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
