package chat

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"marketchat/internal/apperr"
	"marketchat/internal/httpx"
	"marketchat/internal/middleware"
	"marketchat/internal/presence"
)

type HandlerConfig struct {
	Store     *Store
	Directory *Directory
	History   *History
	Gateway   *Gateway
	// Presence is optional.
	Presence        presence.Tracker
	DefaultPageSize int
	HideForbidden   bool
	Logger          *slog.Logger
}

type Handler struct {
	store           *Store
	directory       *Directory
	history         *History
	gateway         *Gateway
	presence        presence.Tracker
	defaultPageSize int
	hideForbidden   bool
	logger          *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.DefaultPageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Handler{
		store:           cfg.Store,
		directory:       cfg.Directory,
		history:         cfg.History,
		gateway:         cfg.Gateway,
		presence:        cfg.Presence,
		defaultPageSize: pageSize,
		hideForbidden:   cfg.HideForbidden,
		logger:          logger.With("component", "chat_http"),
	}
}

// RegisterRoutes mounts the conversation API. r must already authenticate
// callers.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", h.StartConversation)
		r.Get("/", h.ListConversations)
		r.Get("/{id}/messages", h.GetChatHistory)
		r.Post("/{id}/messages", h.SendMessage)
		r.Post("/{id}/read", h.MarkRead)
		r.Get("/{id}/presence", h.GetPresence)
	})
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	h.gateway.ServeWs(w, r)
}

// StartConversation answers 201 for a new conversation and 200 when an
// existing private conversation is returned.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	conv, created, err := h.directory.CreateConversation(r.Context(), CreateParams{
		CreatorID:      userID,
		ParticipantIDs: req.ParticipantIDs,
		Kind:           req.Kind,
		DisplayName:    req.DisplayName,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, conv)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	convs, err := h.directory.ListConversations(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, convs)
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	page, err := intParam(r, "page", 1)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pageSize, err := intParam(r, "pageSize", h.defaultPageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.history.GetHistory(r.Context(), chi.URLParam(r, "id"), userID, page, pageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	m, err := h.store.Append(r.Context(), chi.URLParam(r, "id"), userID, req.Content, req.Attachments)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req MarkReadRequest
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	receipt, err := h.store.MarkRead(r.Context(), chi.URLParam(r, "id"), userID, req.UpToSequence)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}

type presenceResponse struct {
	ConversationID string   `json:"conversationId"`
	Online         []string `json:"online"`
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	conv, err := h.store.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		err = Authorize(conv, userID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res := presenceResponse{ConversationID: conv.ID, Online: []string{}}
	if h.presence != nil {
		online, err := h.presence.Online(r.Context(), conv.Participants)
		if err != nil {
			h.fail(w, r, apperr.Unavailable(err, ""))
			return
		}
		for _, id := range conv.Participants {
			if online[id] {
				res.Online = append(res.Online, id)
			}
		}
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		h.fail(w, r, apperr.Unauthenticated("missing or invalid credentials"))
	}
	return userID, ok
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if h.hideForbidden {
		err = Conceal(err)
	}
	httpx.Error(w, r, h.logger, err)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.InvalidArgument(name + " must be an integer")
	}
	return n, nil
}
