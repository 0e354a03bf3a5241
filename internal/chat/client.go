package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/internal/apperr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	// CloseUnauthenticated is sent when the handshake credential is rejected.
	CloseUnauthenticated = 4401
)

// Client is one live connection. It moves from connecting to authenticated
// once a credential is accepted and closes exactly once.
type Client struct {
	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	userID atomic.Value
	logger *slog.Logger

	closeOnce sync.Once
	closeCode int
	closeText string

	// rooms is guarded by the hub's lock.
	rooms map[string]struct{}
}

func newClient(gw *Gateway, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		gw:     gw,
		conn:   conn,
		send:   make(chan []byte, gw.sendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: gw.logger.With("remote_addr", conn.RemoteAddr().String()),
	}
}

// UserID is empty until the connection authenticates.
func (c *Client) UserID() string {
	id, _ := c.userID.Load().(string)
	return id
}

func (c *Client) deliver(payload []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) sendEvent(e ServerEvent) {
	payload, err := encodeEvent(e)
	if err != nil {
		c.logger.Error("encode event", "type", e.Type, "error", err)
		return
	}
	if !c.deliver(payload) {
		c.close(websocket.CloseTryAgainLater, "send buffer full")
	}
}

func (c *Client) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
		c.cancel()
		c.gw.hub.Unregister(c)
	})
}

// readPump handles client events one at a time until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		c.conn.Close()
		if userID := c.UserID(); userID != "" {
			c.gw.presenceDisconnect(userID)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if userID := c.UserID(); userID != "" {
			c.gw.presenceRefresh(userID)
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		c.handle(data)
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			c.flush()
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				_ = c.write(websocket.CloseMessage, msg)
			}
			return
		}
	}
}

// flush writes whatever is still queued so a final error event reaches the
// peer before the close frame.
func (c *Client) flush() {
	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) handle(data []byte) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.sendEvent(errorEvent("", "", apperr.InvalidArgument("malformed event")))
		return
	}

	if ev.Type == EventAuthenticate {
		c.onAuthenticate(ev)
		return
	}

	userID := c.UserID()
	switch ev.Type {
	case EventJoinRoom, EventLeaveRoom, EventSendMessage, EventMarkRead:
		if userID == "" {
			c.sendEvent(errorEvent(ev.ConversationID, ev.Type, apperr.Unauthenticated("authenticate first")))
			return
		}
		if ev.ConversationID == "" {
			c.sendEvent(errorEvent("", ev.Type, apperr.InvalidArgument("conversationId is required")))
			return
		}
	default:
		c.sendEvent(errorEvent(ev.ConversationID, ev.Type, apperr.InvalidArgument("unknown event type")))
		return
	}

	var err error
	switch ev.Type {
	case EventJoinRoom:
		err = c.onJoin(userID, ev.ConversationID)
	case EventLeaveRoom:
		c.gw.hub.Leave(c, ev.ConversationID)
		c.sendEvent(ServerEvent{Type: EventLeftRoom, ConversationID: ev.ConversationID})
	case EventSendMessage:
		err = c.onSend(userID, ev)
	case EventMarkRead:
		_, err = c.gw.store.MarkRead(c.ctx, ev.ConversationID, userID, ev.UpToSequence)
	}
	if err != nil {
		c.fail(ev, err)
	}
}

func (c *Client) fail(ev ClientEvent, err error) {
	if c.gw.hideForbidden {
		err = Conceal(err)
	}
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindUnavailable {
		c.logger.Error("live operation failed", "type", ev.Type, "conversation_id", ev.ConversationID, "error", err)
	}
	c.sendEvent(errorEvent(ev.ConversationID, ev.Type, err))
}

func (c *Client) onAuthenticate(ev ClientEvent) {
	if c.UserID() != "" {
		c.sendEvent(errorEvent("", ev.Type, apperr.InvalidArgument("connection already authenticated")))
		return
	}
	if err := c.authenticate(ev.Token); err != nil {
		c.sendEvent(errorEvent("", ev.Type, err))
	}
}

// authenticate binds the connection to the token's user.
func (c *Client) authenticate(token string) error {
	userID, err := c.gw.auth.Authenticate(c.ctx, token)
	if err != nil {
		return err
	}
	c.userID.Store(userID)
	c.logger = c.logger.With("user_id", userID)
	c.gw.presenceConnect(userID)
	c.sendEvent(ServerEvent{Type: EventAuthenticated, UserID: userID})
	return nil
}

func (c *Client) onJoin(userID, conversationID string) error {
	conv, err := c.gw.store.Conversation(c.ctx, conversationID)
	if err != nil {
		return err
	}
	if err := Authorize(conv, userID); err != nil {
		return err
	}
	if !c.gw.hub.Join(c, conversationID) {
		return apperr.Unavailable(nil, "connection closed")
	}
	c.sendEvent(ServerEvent{Type: EventJoinedRoom, ConversationID: conversationID})
	return nil
}

// onSend appends with the connection's identity. The append is detached from
// the connection so it completes even if the peer disconnects mid-flight.
func (c *Client) onSend(userID string, ev ClientEvent) error {
	ctx := context.WithoutCancel(c.ctx)
	m, err := c.gw.store.Append(ctx, ev.ConversationID, userID, ev.Content, ev.Attachments)
	if err != nil {
		return err
	}
	if !c.gw.hub.InRoom(c, ev.ConversationID) {
		c.sendEvent(messageEvent(m))
	}
	return nil
}
