package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/auth"
	"marketchat/internal/user"
)

type stubUsers map[string]user.Profile

func (s stubUsers) Profiles(_ context.Context, ids []string) (map[string]user.Profile, error) {
	out := make(map[string]user.Profile)
	for _, id := range ids {
		if p, ok := s[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func newStubUsers(ids ...string) stubUsers {
	s := stubUsers{}
	for _, id := range ids {
		s[id] = user.Profile{ID: id, Username: id, DisplayName: id}
	}
	return s
}

// recordingPublisher remembers published sequences in publication order.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []*Message
	receipts []*ReadReceipt
}

func (p *recordingPublisher) PublishMessage(m *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
}

func (p *recordingPublisher) PublishRead(r *ReadReceipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts = append(p.receipts, r)
}

func (p *recordingPublisher) sequences() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.Sequence)
	}
	return out
}

type fixture struct {
	repo    *MemoryRepository
	store   *Store
	dir     *Directory
	history *History
	users   stubUsers
}

func newFixture(t *testing.T, publisher Publisher) *fixture {
	t.Helper()
	repo := NewMemoryRepository()
	users := newStubUsers("alice", "bob", "carol", "mallory")
	return &fixture{
		repo:    repo,
		store:   NewStore(repo, publisher),
		dir:     NewDirectory(repo, users),
		history: NewHistory(repo, users, 100),
		users:   users,
	}
}

func (f *fixture) private(t *testing.T, a, b string) *Conversation {
	t.Helper()
	c, _, err := f.dir.CreateConversation(context.Background(), CreateParams{
		CreatorID: a, ParticipantIDs: []string{b}, Kind: KindPrivate,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) seed(t *testing.T, conversationID, sender string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := f.store.Append(context.Background(), conversationID, sender, fmt.Sprintf("message %d", i), nil)
		require.NoError(t, err)
	}
}

func newTestAuth(t *testing.T) *auth.Authenticator {
	t.Helper()
	a, err := auth.NewAuthenticator(auth.Options{
		KeyID:  "test",
		Secret: []byte("test-secret"),
		Issuer: "marketchat-test",
		TTL:    time.Hour,
	})
	require.NoError(t, err)
	return a
}

func issue(t *testing.T, a *auth.Authenticator, userID string) string {
	t.Helper()
	token, _, err := a.Issue(userID)
	require.NoError(t, err)
	return token
}
