package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/ovalles/dmsync/internal/chat"
)

// EventType identifies an inbound realtime event.
type EventType string

const (
	EventNewMessage        EventType = "message.new"
	EventTypingStart       EventType = "typing.start"
	EventTypingStop        EventType = "typing.stop"
	EventDeleted           EventType = "message.deleted"
	EventDeletedForMe      EventType = "message.deleted_for_me"
	EventDeletedForAll     EventType = "message.deleted_for_everyone"
	EventMessagesRead      EventType = "messages.read"
	EventMessagesDelivered EventType = "messages.delivered"
	EventUserStatus        EventType = "user.status"
	EventUserOffline       EventType = "user.offline"
	EventRequestAccepted   EventType = "request.accepted"
	EventRequestDeclined   EventType = "request.declined"
	EventAuthFailed        EventType = "auth.failed"
)

// Event is an inbound frame from the realtime bus. Payload stays raw until a
// handler decodes it with the typed accessors below.
type Event struct {
	Type    EventType       `json:"type"`
	ChatID  string          `json:"chatId"`
	Payload json.RawMessage `json:"payload"`
}

// Message decodes a message.new payload.
func (e Event) Message() (*chat.Message, error) {
	var m chat.Message
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return &m, nil
}

// ReceiptPayload carries a messages.read or messages.delivered update.
type ReceiptPayload struct {
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
	At         int64    `json:"at"`
}

// Receipt decodes a read/delivered payload.
func (e Event) Receipt() (*ReceiptPayload, error) {
	var p ReceiptPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return &p, nil
}

// DeletionPayload carries a message deletion event.
type DeletionPayload struct {
	MessageID string `json:"messageId"`
	DeletedAt int64  `json:"deletedAt"`
}

// Deletion decodes a deletion payload.
func (e Event) Deletion() (*DeletionPayload, error) {
	var p DeletionPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return &p, nil
}

// UserPayload carries typing, presence, and request lifecycle events.
type UserPayload struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online,omitempty"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// User decodes a user-scoped payload.
func (e Event) User() (*UserPayload, error) {
	var p UserPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return &p, nil
}
