package chat

import (
	"sort"
	"strings"
	"time"
)

// Kind distinguishes direct and group conversations.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Status is the server-side lifecycle state of a conversation.
type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusDeclined Status = "declined"
)

// SendState tracks a locally-originated message through confirmation.
type SendState string

const (
	SendPending SendState = "pending"
	SendSent    SendState = "sent"
	SendFailed  SendState = "failed"
)

// Decision is a locally-persisted accept/decline choice for a message request.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionDeclined Decision = "declined"
)

// DeliveryState is a per-recipient receipt level. Seen is strictly above
// Delivered and a message never moves back down.
type DeliveryState string

const (
	Delivered DeliveryState = "delivered"
	Seen      DeliveryState = "seen"
)

// DeleteScope selects how a message deletion applies.
type DeleteScope string

const (
	DeleteForMe       DeleteScope = "for_me"
	DeleteForEveryone DeleteScope = "for_everyone"
)

// Receipt records a recipient's delivery state and when it was reached.
type Receipt struct {
	State DeliveryState `json:"state"`
	At    int64         `json:"at"`
}

// Conversation is a summary row in the chat or request list.
type Conversation struct {
	ID            string   `json:"id"`
	Kind          Kind     `json:"kind"`
	Participants  []string `json:"participants"`
	LastSender    string   `json:"lastSender,omitempty"`
	LastText      string   `json:"lastText,omitempty"`
	LastMessageAt int64    `json:"lastMessageAt"`
	UnreadCount   int      `json:"unreadCount"`
	Status        Status   `json:"status"`
	CreatedBy     string   `json:"createdBy"`
}

// ParticipantKey returns a canonical key for participant-set equality.
// Direct conversations with the same members are the same conversation.
func (c *Conversation) ParticipantKey() string {
	ids := make([]string, len(c.Participants))
	copy(ids, c.Participants)
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// Message is a single entry in a conversation. While unconfirmed it carries a
// client-assigned TempID and no server ID; confirmation fills ID in place.
type Message struct {
	ID                 string             `json:"id,omitempty"`
	TempID             string             `json:"tempId,omitempty"`
	ChatID             string             `json:"chatId"`
	Sender             string             `json:"sender"`
	Text               string             `json:"text"`
	Timestamp          int64              `json:"timestamp"`
	ReadBy             []string           `json:"readBy,omitempty"`
	Delivery           map[string]Receipt `json:"delivery,omitempty"`
	SendState          SendState          `json:"sendState,omitempty"`
	DeletedForEveryone bool               `json:"deletedForEveryone,omitempty"`
	DeletedAt          int64              `json:"deletedAt,omitempty"`
}

// ReadByUser reports whether uid is in the message's read set.
func (m *Message) ReadByUser(uid string) bool {
	for _, id := range m.ReadBy {
		if id == uid {
			return true
		}
	}
	return false
}

// PendingSend is an outgoing message awaiting server confirmation.
type PendingSend struct {
	TempID     string
	ChatID     string
	Text       string
	EnqueuedAt time.Time
	RetryCount int
	State      SendState
}
