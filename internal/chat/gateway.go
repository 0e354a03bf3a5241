package chat

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/internal/middleware"
	"marketchat/internal/presence"
)

const (
	defaultSendBuffer  = 256
	defaultAuthTimeout = 10 * time.Second
	presenceTimeout   = 2 * time.Second
)

// TokenValidator resolves a live-connection credential to a user id.
type TokenValidator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

type GatewayConfig struct {
	Hub   *Hub
	Store *Store
	Auth  TokenValidator
	// Presence is optional.
	Presence      presence.Tracker
	HideForbidden bool
	SendBuffer    int
	// AuthTimeout is how long a connection without a handshake credential
	// may stay unauthenticated.
	AuthTimeout time.Duration
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// Gateway upgrades HTTP requests to live connections and runs them against
// the hub and the store.
type Gateway struct {
	hub           *Hub
	store         *Store
	auth          TokenValidator
	presence      presence.Tracker
	hideForbidden bool
	sendBuffer    int
	authTimeout   time.Duration
	upgrader      websocket.Upgrader
	logger        *slog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		hub:           cfg.Hub,
		store:         cfg.Store,
		auth:          cfg.Auth,
		presence:      cfg.Presence,
		hideForbidden: cfg.HideForbidden,
		sendBuffer:    sendBuffer,
		authTimeout:   authTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.With("component", "gateway"),
	}
}

// ServeWs upgrades the request. A handshake credential, if present, is
// verified right away and a rejected one closes the connection with
// CloseUnauthenticated. Without one the connection has the auth timeout to
// send an authenticate event.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	token := middleware.HandshakeToken(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", "error", err)
		return
	}

	client := newClient(g, conn)
	if !g.hub.Register(client) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()

	if token != "" {
		if err := client.authenticate(token); err != nil {
			client.sendEvent(errorEvent("", EventAuthenticate, err))
			client.close(CloseUnauthenticated, "unauthenticated")
			return
		}
	} else {
		go g.expireUnauthenticated(client)
	}

	go client.readPump()
}

// expireUnauthenticated closes c if it is still anonymous once the auth
// timeout elapses.
func (g *Gateway) expireUnauthenticated(c *Client) {
	timer := time.NewTimer(g.authTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		if c.UserID() == "" {
			g.logger.Debug("authentication timed out", "remote_addr", c.conn.RemoteAddr().String())
			c.close(CloseUnauthenticated, "authentication timeout")
		}
	case <-c.done:
	}
}

func (g *Gateway) presenceConnect(userID string) {
	if g.presence != nil {
		g.withPresence("connect", userID, g.presence.Connect)
	}
}

func (g *Gateway) presenceDisconnect(userID string) {
	if g.presence != nil {
		g.withPresence("disconnect", userID, g.presence.Disconnect)
	}
}

func (g *Gateway) presenceRefresh(userID string) {
	if g.presence != nil {
		g.withPresence("refresh", userID, g.presence.Refresh)
	}
}

func (g *Gateway) withPresence(op, userID string, fn func(context.Context, string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx, userID); err != nil {
		g.logger.Warn("presence update failed", "op", op, "user_id", userID, "error", err)
	}
}
