//go:generate go run go.uber.org/mock/mockgen -source=storage.go -destination=../mocks/mock_storage.go -package=mocks
package chat

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"marketchat/internal/apperr"
)

var (
	ErrNotFound  = errors.New("conversation not found")
	ErrDuplicate = errors.New("conversation already exists")
	// ErrConflict reports that a concurrent writer won an optimistic append.
	ErrConflict = errors.New("concurrent append")
)

// Repository is the durable side of the Conversation Store. Implementations
// must keep the message log gapless: AppendMessage assigns the next sequence
// and overwrites the summary in the same atomic step.
type Repository interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	FindPrivate(ctx context.Context, pairKey string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)
	// AppendMessage stores m, setting m.Sequence.
	AppendMessage(ctx context.Context, m *Message) error
	// MessagesInRange returns messages with afterSeq < sequence <= uptoSeq in
	// ascending order.
	MessagesInRange(ctx context.Context, conversationID string, afterSeq, uptoSeq int64) ([]*Message, error)
	// MarkRead records readAt for userID on every message up to upTo that
	// the user has not read yet, and returns how many were newly marked.
	MarkRead(ctx context.Context, conversationID, userID string, upTo int64, readAt time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// storageError classifies a repository failure for callers.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, err, "conversation not found")
	}
	return apperr.Unavailable(err, "")
}
