package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/apperr"
)

func newTestAuthenticator(t *testing.T, kid, secret string) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(Options{
		KeyID:  kid,
		Secret: []byte(secret),
		Issuer: "marketchat-test",
		TTL:    time.Hour,
	})
	require.NoError(t, err)
	return a
}

func TestIssueAndAuthenticate(t *testing.T) {
	a := newTestAuthenticator(t, "v1", "s3cret")

	token, expiresAt, err := a.Issue("user-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	userID, err := a.Authenticate(t.Context(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerify_FailureReasons(t *testing.T) {
	a := newTestAuthenticator(t, "v1", "s3cret")

	t.Run("empty", func(t *testing.T) {
		_, err := a.verify("")
		assert.ErrorIs(t, err, ErrMalformedToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := a.verify("not-a-jwt")
		assert.ErrorIs(t, err, ErrMalformedToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, _, err := a.Issue("user-1")
		require.NoError(t, err)

		later := newTestAuthenticator(t, "v1", "s3cret")
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err = later.verify(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("unknown key id", func(t *testing.T) {
		other := newTestAuthenticator(t, "v9", "s3cret")
		token, _, err := other.Issue("user-1")
		require.NoError(t, err)

		_, err = a.verify(token)
		assert.ErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := newTestAuthenticator(t, "v1", "different")
		token, _, err := other.Issue("user-1")
		require.NoError(t, err)

		_, err = a.verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := NewAuthenticator(Options{KeyID: "v1", Secret: []byte("s3cret"), Issuer: "elsewhere", TTL: time.Hour})
		require.NoError(t, err)
		token, _, err := other.Issue("user-1")
		require.NoError(t, err)

		_, err = a.verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "marketchat-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		tok.Header["kid"] = "v1"
		signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = a.verify(signed)
		assert.Error(t, err)
	})
}

func TestAuthenticate_HidesReason(t *testing.T) {
	a := newTestAuthenticator(t, "v1", "s3cret")

	_, errMalformed := a.Authenticate(context.Background(), "nope")
	other := newTestAuthenticator(t, "v2", "s3cret")
	token, _, err := other.Issue("user-1")
	require.NoError(t, err)
	_, errUnknown := a.Authenticate(context.Background(), token)

	require.ErrorIs(t, errMalformed, apperr.ErrUnauthenticated)
	require.ErrorIs(t, errUnknown, apperr.ErrUnauthenticated)
	assert.Equal(t, errMalformed.Error(), errUnknown.Error())
}

func TestKeyRotation(t *testing.T) {
	old := newTestAuthenticator(t, "v1", "old-secret")
	token, _, err := old.Issue("user-1")
	require.NoError(t, err)

	rotated, err := NewAuthenticator(Options{
		KeyID:    "v2",
		Secret:   []byte("new-secret"),
		Previous: map[string][]byte{"v1": []byte("old-secret")},
		Issuer:   "marketchat-test",
		TTL:      time.Hour,
	})
	require.NoError(t, err)

	userID, err := rotated.Authenticate(t.Context(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestNewAuthenticator_Validation(t *testing.T) {
	_, err := NewAuthenticator(Options{KeyID: "v1", TTL: time.Hour})
	assert.Error(t, err)
	_, err = NewAuthenticator(Options{Secret: []byte("x"), TTL: time.Hour})
	assert.Error(t, err)
	_, err = NewAuthenticator(Options{KeyID: "v1", Secret: []byte("x")})
	assert.Error(t, err)
}
