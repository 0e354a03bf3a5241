package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/auth"
	"marketchat/internal/presence"
)

type liveEnv struct {
	*fixture
	hub      *Hub
	auth     *auth.Authenticator
	presence *presence.MemoryTracker
	url      string
}

func newLiveEnv(t *testing.T, tweaks ...func(*GatewayConfig)) *liveEnv {
	t.Helper()
	hub := NewHub(nil)
	f := newFixture(t, hub)
	a := newTestAuth(t)
	tracker := presence.NewMemoryTracker()

	cfg := GatewayConfig{
		Hub:           hub,
		Store:         f.store,
		Auth:          a,
		Presence:      tracker,
		HideForbidden: true,
		SendBuffer:    64,
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	gw := NewGateway(cfg)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeWs))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	return &liveEnv{
		fixture:  f,
		hub:      hub,
		auth:     a,
		presence: tracker,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (e *liveEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	target := e.url
	if token != "" {
		target += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials as userID and consumes the authenticated confirmation.
func (e *liveEnv) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, issue(t, e.auth, userID))
	ev := nextEvent(t, conn)
	require.Equal(t, EventAuthenticated, ev.Type)
	require.Equal(t, userID, ev.UserID)
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, ev ClientEvent) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ev))
}

func nextEvent(t *testing.T, conn *websocket.Conn) ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev ServerEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func join(t *testing.T, conn *websocket.Conn, conversationID string) {
	t.Helper()
	sendEvent(t, conn, ClientEvent{Type: EventJoinRoom, ConversationID: conversationID})
	ev := nextEvent(t, conn)
	require.Equal(t, EventJoinedRoom, ev.Type, "join failed: %+v", ev.Error)
	require.Equal(t, conversationID, ev.ConversationID)
}

func TestLive_HelloScenario(t *testing.T) {
	env := newLiveEnv(t)
	conv := env.private(t, "alice", "bob")

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	join(t, alice, conv.ID)
	join(t, bob, conv.ID)

	sendEvent(t, alice, ClientEvent{Type: EventSendMessage, ConversationID: conv.ID, Content: "hello"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		ev := nextEvent(t, conn)
		require.Equal(t, EventMessageReceived, ev.Type)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "hello", ev.Message.Content)
		assert.Equal(t, "alice", ev.Message.SenderID)
		assert.Equal(t, int64(1), ev.Message.Sequence)
	}

	page, err := env.history.GetHistory(context.Background(), conv.ID, "bob", 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Content)
}

func TestLive_SameOrderForEverySubscriber(t *testing.T) {
	env := newLiveEnv(t)
	conv := env.private(t, "alice", "bob")

	first := env.connect(t, "alice")
	second := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	conns := []*websocket.Conn{first, second, bob}
	for _, c := range conns {
		join(t, c, conv.ID)
	}

	// Written back to back without waiting, so the two alice connections race.
	sendEvent(t, first, ClientEvent{Type: EventSendMessage, ConversationID: conv.ID, Content: "one"})
	sendEvent(t, second, ClientEvent{Type: EventSendMessage, ConversationID: conv.ID, Content: "two"})
	sendEvent(t, first, ClientEvent{Type: EventSendMessage, ConversationID: conv.ID, Content: "three"})

	var observed [][]int64
	var contents []string
	for _, c := range conns {
		var seqs []int64
		for i := 0; i < 3; i++ {
			ev := nextEvent(t, c)
			require.Equal(t, EventMessageReceived, ev.Type)
			seqs = append(seqs, ev.Message.Sequence)
			if c == bob {
				contents = append(contents, ev.Message.Content)
			}
		}
		observed = append(observed, seqs)
	}

	assert.Equal(t, []int64{1, 2, 3}, observed[0])
	assert.Equal(t, observed[0], observed[1])
	assert.Equal(t, observed[0], observed[2])
	sort.Strings(contents)
	assert.Equal(t, []string{"one", "three", "two"}, contents)
}

func TestLive_RejectedHandshakeCloses(t *testing.T) {
	env := newLiveEnv(t)
	conn := env.dial(t, "not-a-token")

	ev := nextEvent(t, conn)
	assert.Equal(t, EventOperationError, ev.Type)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "unauthenticated", ev.Error.Kind)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseUnauthenticated), "got %v", err)
}

func TestLive_AuthenticateEvent(t *testing.T) {
	env := newLiveEnv(t)
	conv := env.private(t, "alice", "bob")
	conn := env.dial(t, "")

	sendEvent(t, conn, ClientEvent{Type: EventJoinRoom, ConversationID: conv.ID})
	ev := nextEvent(t, conn)
	assert.Equal(t, EventOperationError, ev.Type)
	assert.Equal(t, "unauthenticated", ev.Error.Kind)
	assert.Equal(t, EventJoinRoom, ev.Request)

	sendEvent(t, conn, ClientEvent{Type: EventAuthenticate, Token: "garbage"})
	ev = nextEvent(t, conn)
	assert.Equal(t, EventOperationError, ev.Type)
	assert.Equal(t, "unauthenticated", ev.Error.Kind)

	sendEvent(t, conn, ClientEvent{Type: EventAuthenticate, Token: issue(t, env.auth, "alice")})
	ev = nextEvent(t, conn)
	assert.Equal(t, EventAuthenticated, ev.Type)
	assert.Equal(t, "alice", ev.UserID)

	join(t, conn, conv.ID)

	sendEvent(t, conn, ClientEvent{Type: EventAuthenticate, Token: issue(t, env.auth, "bob")})
	ev = nextEvent(t, conn)
	assert.Equal(t, EventOperationError, ev.Type)
	assert.Equal(t, "invalid_argument", ev.Error.Kind)
}

func TestLive_AnonymousConnectionTimesOut(t *testing.T) {
	env := newLiveEnv(t, func(cfg *GatewayConfig) { cfg.AuthTimeout = 50 * time.Millisecond })
	conn := env.dial(t, "")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnauthenticated, closeErr.Code)
	assert.Equal(t, "authentication timeout", closeErr.Text)
	assert.Eventually(t, func() bool { return env.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLive_AuthenticatedConnectionOutlivesAuthTimeout(t *testing.T) {
	env := newLiveEnv(t, func(cfg *GatewayConfig) { cfg.AuthTimeout = 50 * time.Millisecond })
	conv := env.private(t, "alice", "bob")
	conn := env.dial(t, "")

	sendEvent(t, conn, ClientEvent{Type: EventAuthenticate, Token: issue(t, env.auth, "alice")})
	ev := nextEvent(t, conn)
	require.Equal(t, EventAuthenticated, ev.Type)

	time.Sleep(150 * time.Millisecond)
	join(t, conn, conv.ID)
	assert.Equal(t, 1, env.hub.ClientCount())
}

func TestLive_ErrorsKeepConnectionOpen(t *testing.T) {
	env := newLiveEnv(t)
	conv := env.private(t, "alice", "bob")
	mallory := env.connect(t, "mallory")

	sendEvent(t, mallory, ClientEvent{Type: EventJoinRoom, ConversationID: conv.ID})
	ev := nextEvent(t, mallory)
	assert.Equal(t, EventOperationError, ev.Type)
	assert.Equal(t, "not_found", ev.Error.Kind, "membership failures are concealed")
	assert.Equal(t, "conversation not found", ev.Error.Message)
	assert.Zero(t, env.hub.RoomSize(conv.ID))

	sendEvent(t, mallory, ClientEvent{Type: EventSendMessage, ConversationID: conv.ID, Content: "let me in"})
	ev = nextEvent(t, mallory)
	assert.Equal(t, "not_found", ev.Error.Kind)

	require.NoError(t, mallory.WriteMessage(websocket.TextMessage, []byte("{nope")))
	ev = nextEvent(t, mallory)
	assert.Equal(t, "invalid_argument", ev.Error.Kind)

	sendEvent(t, mallory, ClientEvent{Type: "dance"})
	ev = nextEvent(t, mallory)
	assert.Equal(t, "invalid_argument", ev.Error.Kind)

	sendEvent(t, mallory, ClientEvent{Type: EventJoinRoom})
	ev = nextEvent(t, mallory)
	assert.Equal(t, "invalid_argument", ev.Error.Kind)

	sendEvent(t, mallory, ClientEvent{Type: EventLeaveRoom, ConversationID: conv.ID})
	ev = nextEvent(t, mallory)
	assert.Equal(t, EventLeftRoom, ev.Type)
}

func TestLive_SendErrorsOnlyReachSender(t *testing.T) {
	env := newLiveEnv(t)
	conv := env.private(t, "alice", "bob")
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	join(t, alice, conv.ID)
	join(t, bob, conv.ID)

	sendEvent(t, alice, ClientEvent{Type: EventSendMessage, ConversationID: conv.ID, Content: "   "})
	ev := nextEvent(t, alice)
	assert.Equal(t, EventOperationError, ev.Type)
	assert.Equal(t, "invalid_argument", ev.Error.Kind)
	assert.Equal(t, conv.ID, ev.ConversationID)

	sendEvent(t, alice, ClientEvent{Type: EventSendMessage, ConversationID: conv.ID, Content: "real"})
	ev = nextEvent(t, bob)
	assert.Equal(t, EventMessageReceived, ev.Type, "bob never saw the failed send")
	assert.Equal(t, int64(1), ev.Message.Sequence)
}

func TestLive_SenderOutsideRoomGetsOwnMessage(t *testing.T) {
	env := newLiveEnv(t)
	conv := env.private(t, "alice", "bob")
	alice := env.connect(t, "alice")

	sendEvent(t, alice, ClientEvent{Type: EventSendMessage, ConversationID: conv.ID, Content: "drive-by"})
	ev := nextEvent(t, alice)
	assert.Equal(t, EventMessageReceived, ev.Type)
	assert.Equal(t, "drive-by", ev.Message.Content)
}

func TestLive_MarkReadBroadcastsReceipt(t *testing.T) {
	env := newLiveEnv(t)
	conv := env.private(t, "alice", "bob")
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	join(t, alice, conv.ID)
	join(t, bob, conv.ID)

	sendEvent(t, alice, ClientEvent{Type: EventSendMessage, ConversationID: conv.ID, Content: "read me"})
	nextEvent(t, alice)
	nextEvent(t, bob)

	sendEvent(t, bob, ClientEvent{Type: EventMarkRead, ConversationID: conv.ID, UpToSequence: 1})
	for _, conn := range []*websocket.Conn{alice, bob} {
		ev := nextEvent(t, conn)
		assert.Equal(t, EventReadReceipt, ev.Type)
		assert.Equal(t, "bob", ev.UserID)
		assert.Equal(t, int64(1), ev.UpToSequence)
	}
}

func TestLive_PresenceFollowsConnections(t *testing.T) {
	env := newLiveEnv(t)
	alice := env.connect(t, "alice")

	online, err := env.presence.Online(context.Background(), []string{"alice"})
	require.NoError(t, err)
	assert.True(t, online["alice"])

	require.NoError(t, alice.Close())
	assert.Eventually(t, func() bool {
		online, err := env.presence.Online(context.Background(), []string{"alice"})
		return err == nil && !online["alice"]
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLive_ServerShutdownClosesConnections(t *testing.T) {
	env := newLiveEnv(t)
	alice := env.connect(t, "alice")

	env.hub.Close()

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
