package chat

import (
	"encoding/json"
	"time"

	"marketchat/internal/apperr"
)

// Client events.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventSendMessage  = "send-message"
	EventMarkRead     = "mark-read"
)

// Server events.
const (
	EventAuthenticated   = "authenticated"
	EventJoinedRoom      = "joined-room"
	EventLeftRoom        = "left-room"
	EventMessageReceived = "message-received"
	EventReadReceipt     = "read-receipt"
	EventOperationError  = "operation-error"
)

type ClientEvent struct {
	Type           string       `json:"type"`
	Token          string       `json:"token,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	Content        string       `json:"content,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	UpToSequence   int64        `json:"upToSequence,omitempty"`
}

type ServerEvent struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversationId,omitempty"`
	Message        *Message     `json:"message,omitempty"`
	UserID         string       `json:"userId,omitempty"`
	UpToSequence   int64        `json:"upToSequence,omitempty"`
	ReadAt         *time.Time   `json:"readAt,omitempty"`
	Request        string       `json:"request,omitempty"`
	Error          *apperr.Body `json:"error,omitempty"`
}

func messageEvent(m *Message) ServerEvent {
	return ServerEvent{Type: EventMessageReceived, ConversationID: m.ConversationID, Message: m}
}

func readEvent(r *ReadReceipt) ServerEvent {
	at := r.ReadAt
	return ServerEvent{
		Type:           EventReadReceipt,
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		UpToSequence:   r.UpToSequence,
		ReadAt:         &at,
	}
}

func errorEvent(conversationID, request string, err error) ServerEvent {
	body := apperr.BodyOf(err)
	return ServerEvent{
		Type:           EventOperationError,
		ConversationID: conversationID,
		Request:        request,
		Error:          &body,
	}
}

func encodeEvent(e ServerEvent) ([]byte, error) {
	return json.Marshal(e)
}
