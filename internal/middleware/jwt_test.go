package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"marketchat/internal/apperr"
)

type stubAuthenticator map[string]string

func (s stubAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if userID, ok := s[token]; ok {
		return userID, nil
	}
	return "", apperr.Unauthenticated("missing or invalid credentials")
}

func TestAuthMiddleware(t *testing.T) {
	am := NewAuthMiddleware(stubAuthenticator{"good": "user-1"}, nil)

	var gotUser string
	h := am.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserIDFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
		user   string
	}{
		{"valid", "Bearer good", http.StatusNoContent, "user-1"},
		{"lowercase scheme", "bearer good", http.StatusNoContent, "user-1"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic good", http.StatusUnauthorized, ""},
		{"invalid token", "Bearer bad", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.user, gotUser)
		})
	}
}

func TestAuthMiddleware_IgnoresQueryToken(t *testing.T) {
	am := NewAuthMiddleware(stubAuthenticator{"good": "user-1"}, nil)
	h := am.Handle(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?token=good", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandshakeToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", HandshakeToken(req))

	req.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", HandshakeToken(req))
}
