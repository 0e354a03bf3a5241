// Package httpx holds the JSON request/response plumbing shared by handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"marketchat/internal/apperr"
	"marketchat/internal/validation"
)

const maxBodyBytes = 1 << 20

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorEnvelope struct {
	Error apperr.Body `json:"error"`
}

// Error renders err as a structured error body. Internal and unavailable
// failures are logged with their cause.
func Error(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	if logger != nil && (kind == apperr.KindInternal || kind == apperr.KindUnavailable) {
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", kind.String(),
			"error", err)
	}
	JSON(w, kind.HTTPStatus(), errorEnvelope{Error: apperr.BodyOf(err)})
}

// Decode reads a JSON body into dst and validates its struct tags.
func Decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.InvalidArgument("request body is required")
		}
		return apperr.Wrap(apperr.KindInvalidArgument, err, "malformed request body")
	}
	return validation.Struct(dst)
}
