package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"marketchat/internal/apperr"
	"marketchat/internal/httpx"
)

type contextKey string

const UserKey contextKey = "user_id"

// Authenticator resolves a bearer credential to a user id. This interface
// decouples the middleware from the auth package.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

type AuthMiddleware struct {
	auth   Authenticator
	logger *slog.Logger
}

func NewAuthMiddleware(a Authenticator, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{auth: a, logger: logger}
}

// Handle rejects requests without a valid "Authorization: Bearer" header and
// injects the caller's user id into the request context.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := BearerToken(r)
		if tokenString == "" {
			httpx.Error(w, r, am.logger, apperr.Unauthenticated("missing or invalid credentials"))
			return
		}

		userID, err := am.auth.Authenticate(r.Context(), tokenString)
		if err != nil {
			httpx.Error(w, r, am.logger, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// HandshakeToken extracts a live-connection credential: the Authorization
// header if present, otherwise the "token" query parameter (browsers cannot
// set headers on WebSocket handshakes).
func HandshakeToken(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserKey, userID)
}

func UserIDFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserKey).(string)
	return userID, ok && userID != ""
}
