package chat

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryRepository keeps conversations and their logs in process memory.
type MemoryRepository struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	pairs         map[string]string
	logs          map[string][]*Message
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[string]*Conversation),
		pairs:         make(map[string]string),
		logs:          make(map[string][]*Message),
	}
}

func (r *MemoryRepository) CreateConversation(_ context.Context, c *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conversations[c.ID]; exists {
		return ErrDuplicate
	}
	if c.PairKey != "" {
		if _, exists := r.pairs[c.PairKey]; exists {
			return ErrDuplicate
		}
		r.pairs[c.PairKey] = c.ID
	}
	r.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (r *MemoryRepository) FindPrivate(_ context.Context, pairKey string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.pairs[pairKey]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(r.conversations[id]), nil
}

func (r *MemoryRepository) GetConversation(_ context.Context, id string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (r *MemoryRepository) ListConversations(_ context.Context, userID string) ([]*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conversation
	for _, c := range r.conversations {
		if slices.Contains(c.Participants, userID) {
			out = append(out, cloneConversation(c))
		}
	}
	return out, nil
}

func (r *MemoryRepository) AppendMessage(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[m.ConversationID]
	if !ok {
		return ErrNotFound
	}
	m.Sequence = c.LastSequence + 1
	r.logs[c.ID] = append(r.logs[c.ID], cloneMessage(m))
	c.LastSequence = m.Sequence
	c.LastMessage = m.summary()
	return nil
}

func (r *MemoryRepository) MessagesInRange(_ context.Context, conversationID string, afterSeq, uptoSeq int64) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	log := r.logs[conversationID]
	from := max(afterSeq, 0)
	to := min(uptoSeq, int64(len(log)))
	if from >= to {
		return nil, nil
	}
	out := make([]*Message, 0, to-from)
	for _, m := range log[from:to] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, conversationID, userID string, upTo int64, readAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[conversationID]; !ok {
		return 0, ErrNotFound
	}
	log := r.logs[conversationID]
	var marked int64
	for _, m := range log[:min(max(upTo, 0), int64(len(log)))] {
		if _, seen := m.ReadBy[userID]; seen {
			continue
		}
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]time.Time)
		}
		m.ReadBy[userID] = readAt
		marked++
	}
	return marked, nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func cloneConversation(c *Conversation) *Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		s := *c.LastMessage
		out.LastMessage = &s
	}
	return &out
}

func cloneMessage(m *Message) *Message {
	out := *m
	out.Attachments = slices.Clone(m.Attachments)
	out.ReadBy = maps.Clone(m.ReadBy)
	return &out
}
