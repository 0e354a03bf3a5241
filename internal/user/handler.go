package user

import (
	"log/slog"
	"net/http"
	"strings"

	"marketchat/internal/apperr"
	"marketchat/internal/httpx"
)

type Handler struct {
	Service *Service
	logger  *slog.Logger
}

func NewHandler(s *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: s, logger: logger}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}

	u, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}

	httpx.JSON(w, http.StatusCreated, u)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}

	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		httpx.Error(w, r, h.logger, apperr.InvalidArgument("query parameter q is required"))
		return
	}

	users, err := h.Service.SearchUsers(r.Context(), q)
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	if users == nil {
		users = []Profile{}
	}
	httpx.JSON(w, http.StatusOK, users)
}
