// Package auth is the session authenticator: it issues and verifies the HS256
// bearer tokens used by both the HTTP API and live connections.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"marketchat/internal/apperr"
)

// Verification failure reasons. They are logged but never returned to
// callers, who only ever see an unauthenticated error.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrExpiredToken   = errors.New("token expired")
	ErrUnknownKey     = errors.New("unknown signing key")
	ErrInvalidToken   = errors.New("invalid token")
)

type Claims struct {
	jwt.RegisteredClaims
}

type Options struct {
	// KeyID and Secret sign newly issued tokens.
	KeyID  string
	Secret []byte
	// Retired keys that are still accepted for verification, by key id.
	Previous map[string][]byte
	Issuer   string
	TTL      time.Duration
	Logger   *slog.Logger
}

type Authenticator struct {
	keys   map[string][]byte
	keyID  string
	issuer string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewAuthenticator(opts Options) (*Authenticator, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	if opts.KeyID == "" {
		return nil, errors.New("auth: key id is required")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("auth: token ttl must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keys := make(map[string][]byte, len(opts.Previous)+1)
	for kid, secret := range opts.Previous {
		keys[kid] = secret
	}
	keys[opts.KeyID] = opts.Secret

	return &Authenticator{
		keys:   keys,
		keyID:  opts.KeyID,
		issuer: opts.Issuer,
		ttl:    opts.TTL,
		now:    time.Now,
		logger: logger.With("component", "auth"),
	}, nil
}

// Issue signs a token for userID with the current key.
func (a *Authenticator) Issue(userID string) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = a.keyID
	signed, err := token.SignedString(a.keys[a.keyID])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Authenticate resolves a token to a user id. Every failure is reported as
// the same unauthenticated error; the reason only reaches the debug log.
func (a *Authenticator) Authenticate(_ context.Context, token string) (string, error) {
	userID, err := a.verify(token)
	if err != nil {
		a.logger.Debug("token rejected", "reason", err)
		return "", apperr.Unauthenticated("missing or invalid credentials")
	}
	return userID, nil
}

func (a *Authenticator) verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMalformedToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, a.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownKey):
		return "", ErrUnknownKey
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "", ErrMalformedToken
	default:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	secret, ok := a.keys[kid]
	if !ok {
		return nil, ErrUnknownKey
	}
	return secret, nil
}
