package chat

import (
	"context"
	"strings"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/validation"
)

// Store is the only writer of conversation logs. Appends to one conversation
// are serialized and published while still holding that conversation's lock,
// so live subscribers observe messages in sequence order.
type Store struct {
	repo      Repository
	publisher Publisher
	locks     *keyedLock
	settings
}

func NewStore(repo Repository, publisher Publisher, opts ...Option) *Store {
	return &Store{
		repo:      repo,
		publisher: publisher,
		locks:     newKeyedLock(),
		settings:  newSettings("store", opts),
	}
}

// Conversation loads a conversation without any membership check.
func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	c, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, storageError(err)
	}
	return c, nil
}

// Append validates and stores a new message from senderID, then hands it to
// the publisher.
func (s *Store) Append(ctx context.Context, conversationID, senderID, content string, attachments []Attachment) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.InvalidArgument("message content must not be empty")
	}
	if err := validation.Struct(&SendMessageRequest{Content: content, Attachments: attachments}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, apperr.Unavailable(err, "")
	}
	defer unlock()

	c, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storageError(err)
	}
	if err := Authorize(c, senderID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m := &Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Attachments:    nonNilAttachments(attachments),
		ReadBy:         map[string]time.Time{senderID: now},
		Timestamp:      now,
	}
	if err := s.repo.AppendMessage(ctx, m); err != nil {
		s.logger.Warn("append failed", "conversation_id", conversationID, "error", err)
		return nil, storageError(err)
	}

	if s.publisher != nil {
		s.publisher.PublishMessage(m)
	}
	return m, nil
}

// MarkRead records that userID has read every message up to upTo. Repeating
// the call changes nothing; read times are set once.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, upTo int64) (*ReadReceipt, error) {
	if upTo < 1 {
		return nil, apperr.InvalidArgument("upToSequence must be at least 1")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	c, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storageError(err)
	}
	if err := Authorize(c, userID); err != nil {
		return nil, err
	}

	receipt := &ReadReceipt{
		ConversationID: conversationID,
		UserID:         userID,
		UpToSequence:   min(upTo, c.LastSequence),
		ReadAt:         s.now().UTC(),
	}
	if receipt.UpToSequence == 0 {
		return receipt, nil
	}

	marked, err := s.repo.MarkRead(ctx, conversationID, userID, receipt.UpToSequence, receipt.ReadAt)
	if err != nil {
		return nil, storageError(err)
	}
	receipt.Marked = marked

	if marked > 0 && s.publisher != nil {
		s.publisher.PublishRead(receipt)
	}
	return receipt, nil
}

// Ping checks the storage backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
