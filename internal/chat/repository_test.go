package chat

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/db"
	"marketchat/internal/mongodb"
)

// repositories returns every backend reachable from this environment. The
// in-memory one always runs; the others need TEST_DB_DSN or TEST_MONGO_URI.
func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	repos := map[string]Repository{"memory": NewMemoryRepository()}

	if dsn := os.Getenv("TEST_DB_DSN"); dsn != "" {
		database, err := db.NewDatabase(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = database.Close() })
		require.NoError(t, database.AutoMigrate(context.Background()))
		repos["postgres"] = NewRepository(database.Conn)
	}

	if uri := os.Getenv("TEST_MONGO_URI"); uri != "" {
		client, err := mongodb.New(uri, "marketchat_test_"+uuid.NewString()[:8])
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = client.DB.Drop(context.Background())
			_ = client.Close(context.Background())
		})
		repo := NewMongoRepository(client.DB)
		require.NoError(t, repo.EnsureIndexes(context.Background()))
		repos["mongo"] = repo
	}
	return repos
}

func newConversation(kind Kind, participants ...string) *Conversation {
	c := &Conversation{
		ID:           uuid.NewString(),
		Kind:         kind,
		Participants: participants,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if kind == KindPrivate {
		c.PairKey = participants[0] + ":" + participants[1]
	}
	return c
}

func newMessage(conversationID, sender, content string) *Message {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       sender,
		Content:        content,
		ReadBy:         map[string]time.Time{sender: now},
		Timestamp:      now,
	}
}

func TestRepositoryContract(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b := "u-"+uuid.NewString(), "u-"+uuid.NewString()

			conv := newConversation(KindPrivate, a, b)
			require.NoError(t, repo.CreateConversation(ctx, conv))

			clash := newConversation(KindPrivate, a, b)
			assert.ErrorIs(t, repo.CreateConversation(ctx, clash), ErrDuplicate)

			found, err := repo.FindPrivate(ctx, conv.PairKey)
			require.NoError(t, err)
			assert.Equal(t, conv.ID, found.ID)
			assert.ElementsMatch(t, []string{a, b}, found.Participants)
			assert.Nil(t, found.LastMessage)

			_, err = repo.FindPrivate(ctx, "nobody:nothing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = repo.GetConversation(ctx, uuid.NewString())
			assert.ErrorIs(t, err, ErrNotFound)

			for i := 1; i <= 3; i++ {
				m := newMessage(conv.ID, a, fmt.Sprintf("m%d", i))
				if i == 2 {
					m.Attachments = []Attachment{{URL: "https://cdn.example/x.png", Filename: "x.png", MimeType: "image/png", Size: 42}}
				}
				require.NoError(t, repo.AppendMessage(ctx, m))
				assert.Equal(t, int64(i), m.Sequence)
			}
			assert.ErrorIs(t, repo.AppendMessage(ctx, newMessage(uuid.NewString(), a, "lost")), ErrNotFound)

			got, err := repo.GetConversation(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(3), got.LastSequence)
			require.NotNil(t, got.LastMessage)
			assert.Equal(t, "m3", got.LastMessage.Content)
			assert.Equal(t, int64(3), got.LastMessage.Sequence)

			msgs, err := repo.MessagesInRange(ctx, conv.ID, 1, 3)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, int64(2), msgs[0].Sequence)
			assert.Equal(t, int64(3), msgs[1].Sequence)
			require.Len(t, msgs[0].Attachments, 1)
			assert.Equal(t, int64(42), msgs[0].Attachments[0].Size)
			assert.Contains(t, msgs[0].ReadBy, a)

			empty, err := repo.MessagesInRange(ctx, conv.ID, 3, 3)
			require.NoError(t, err)
			assert.Empty(t, empty)
			_, err = repo.MessagesInRange(ctx, uuid.NewString(), 0, 10)
			assert.ErrorIs(t, err, ErrNotFound)

			readAt := time.Now().UTC().Truncate(time.Millisecond)
			n, err := repo.MarkRead(ctx, conv.ID, b, 2, readAt)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
			n, err = repo.MarkRead(ctx, conv.ID, b, 3, readAt.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			n, err = repo.MarkRead(ctx, conv.ID, a, 3, readAt)
			require.NoError(t, err)
			assert.Zero(t, n, "senders have already read their own messages")

			msgs, err = repo.MessagesInRange(ctx, conv.ID, 0, 3)
			require.NoError(t, err)
			assert.True(t, readAt.Equal(msgs[0].ReadBy[b]), "read time is set once")
			assert.True(t, readAt.Add(time.Minute).Equal(msgs[2].ReadBy[b]))

			group := newConversation(KindGroup, a, b, "u-"+uuid.NewString())
			group.DisplayName = "crew"
			require.NoError(t, repo.CreateConversation(ctx, group))
			list, err := repo.ListConversations(ctx, b)
			require.NoError(t, err)
			ids := make([]string, 0, len(list))
			for _, c := range list {
				ids = append(ids, c.ID)
			}
			assert.ElementsMatch(t, []string{conv.ID, group.ID}, ids)
		})
	}
}

func TestRepositoryContract_ConcurrentAppends(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := newConversation(KindGroup, "x-"+uuid.NewString(), "y-"+uuid.NewString())
			require.NoError(t, repo.CreateConversation(ctx, conv))

			const n = 20
			var wg sync.WaitGroup
			seqs := make(chan int64, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					m := newMessage(conv.ID, conv.Participants[i%2], fmt.Sprintf("c%d", i))
					// Without the store's lock the Mongo backend may exhaust its
					// optimistic retries; that is reported, not silently lost.
					if err := repo.AppendMessage(ctx, m); err == nil {
						seqs <- m.Sequence
					} else {
						assert.ErrorIs(t, err, ErrConflict)
					}
				}(i)
			}
			wg.Wait()
			close(seqs)

			seen := map[int64]bool{}
			for s := range seqs {
				assert.False(t, seen[s], "sequence %d assigned twice", s)
				seen[s] = true
			}
			for s := int64(1); s <= int64(len(seen)); s++ {
				assert.True(t, seen[s], "gap at %d", s)
			}
		})
	}
}
