package chat

import (
	"time"

	"marketchat/internal/user"
)

type Kind string

const (
	KindPrivate Kind = "private"
	KindGroup   Kind = "group"
)

const (
	maxAttachments = 10
	snippetRunes   = 140
)

type Attachment struct {
	URL      string `json:"url" bson:"url" validate:"required,url"`
	Filename string `json:"filename" bson:"filename" validate:"max=255"`
	MimeType string `json:"mimeType" bson:"mime_type" validate:"max=255"`
	Size     int64  `json:"size,omitempty" bson:"size" validate:"gte=0"`
}

// MessageSummary is the denormalized copy of a conversation's latest message.
type MessageSummary struct {
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

type Conversation struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	DisplayName  string          `json:"displayName,omitempty"`
	Participants []string        `json:"participants"`
	LastSequence int64           `json:"lastSequence"`
	LastMessage  *MessageSummary `json:"lastMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	// PairKey identifies a private conversation by its unordered participant
	// pair. Empty for groups.
	PairKey string `json:"-"`
}

// ActivityAt is the time a conversation sorts by in listings.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.Timestamp
	}
	return c.CreatedAt
}

type Message struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversationId"`
	SenderID       string               `json:"senderId"`
	Content        string               `json:"content"`
	Attachments    []Attachment         `json:"attachments"`
	ReadBy         map[string]time.Time `json:"readBy"`
	Sequence       int64                `json:"sequence"`
	Timestamp      time.Time            `json:"timestamp"`
}

func (m *Message) summary() *MessageSummary {
	return &MessageSummary{
		SenderID:  m.SenderID,
		Content:   snippet(m.Content),
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
	}
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) <= snippetRunes {
		return s
	}
	return string(r[:snippetRunes])
}

type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
	HasMore  bool  `json:"hasMore"`
}

// Page is one window of a conversation's history, newest message first.
type Page struct {
	Messages []*Message `json:"messages"`
	// Senders holds the profile of every sender on the page, by user id.
	Senders    map[string]user.Profile `json:"senders,omitempty"`
	Pagination Pagination              `json:"pagination"`
}

// ConversationSummary is a listing entry with participant profiles resolved.
type ConversationSummary struct {
	*Conversation
	Profiles []user.Profile `json:"profiles"`
}

type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	UpToSequence   int64     `json:"upToSequence"`
	Marked         int64     `json:"marked"`
	ReadAt         time.Time `json:"readAt"`
}

type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,dive,required"`
	Kind           Kind     `json:"kind" validate:"omitempty,oneof=private group"`
	DisplayName    string   `json:"displayName" validate:"max=100"`
}

type SendMessageRequest struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments" validate:"max=10,dive"`
}

type MarkReadRequest struct {
	UpToSequence int64 `json:"upToSequence" validate:"required,gte=1"`
}
