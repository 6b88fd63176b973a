// Package request governs the message-request accept/decline lifecycle.
// Before acceptance visibility is asymmetric: the sender treats their own
// outgoing thread as active, while the recipient sees a request with only a
// cached preview and sending disabled.
package request

import (
	"context"
	"fmt"
	"time"

	"github.com/ovalles/dmsync/internal/bus"
	"github.com/ovalles/dmsync/internal/chat"
	"github.com/ovalles/dmsync/internal/convstore"
	"github.com/ovalles/dmsync/internal/persist"
	"go.uber.org/zap"
)

// State is the local view of a request conversation's lifecycle.
type State string

const (
	PendingIncoming State = "pending-incoming"
	PendingOutgoing State = "pending-outgoing"
	Accepted        State = "accepted"
	Declined        State = "declined"
)

// API covers the request endpoints of the Chat Service API.
type API interface {
	AcceptRequest(ctx context.Context, chatID string) error
	DeclineRequest(ctx context.Context, chatID string) error
}

// Follower covers the follow-graph endpoints used for the accept side effect.
type Follower interface {
	Follow(ctx context.Context, userID string) error
	Follows(ctx context.Context, follower, followee string) (bool, error)
}

// Lifecycle executes accept/decline transitions with durable decisions.
type Lifecycle struct {
	localUser     string
	api           API
	follower      Follower
	conversations *convstore.Store
	db            *persist.DB
	bus           *bus.Bus
	logger        *zap.Logger
}

// New creates a lifecycle for the given local user.
func New(localUser string, api API, follower Follower, conversations *convstore.Store, db *persist.DB, b *bus.Bus, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		localUser:     localUser,
		api:           api,
		follower:      follower,
		conversations: conversations,
		db:            db,
		bus:           b,
		logger:        logger,
	}
}

// StateFor derives the lifecycle state of a conversation from its server
// status, its creator, and the durable local decision.
func (l *Lifecycle) StateFor(c *chat.Conversation) (State, error) {
	decision, err := l.db.Decision(l.localUser, c.ID)
	if err != nil {
		return "", fmt.Errorf("load decision: %w", err)
	}
	switch decision {
	case chat.DecisionAccepted:
		return Accepted, nil
	case chat.DecisionDeclined:
		return Declined, nil
	}
	if c.Status != chat.StatusPending {
		if c.Status == chat.StatusDeclined {
			return Declined, nil
		}
		return Accepted, nil
	}
	if c.CreatedBy == l.localUser {
		return PendingOutgoing, nil
	}
	return PendingIncoming, nil
}

// CanSend reports whether the local user may compose in the conversation.
// Until the recipient accepts, only the original sender can.
func (l *Lifecycle) CanSend(c *chat.Conversation) bool {
	state, err := l.StateFor(c)
	if err != nil {
		l.logger.Warn("state lookup failed, disallowing send", zap.Error(err), zap.String("chat_id", c.ID))
		return false
	}
	return state == Accepted || state == PendingOutgoing
}

// Accept accepts a message request: the conversation moves to the active
// list, the counterpart gains a follow edge, the decision is persisted, and
// the preview cache is invalidated so history is refetched authoritatively.
// Idempotent: accepting an already-accepted chat is a no-op. On API failure
// nothing mutates.
func (l *Lifecycle) Accept(ctx context.Context, c *chat.Conversation) error {
	decision, err := l.db.Decision(l.localUser, c.ID)
	if err != nil {
		return fmt.Errorf("load decision: %w", err)
	}
	if decision == chat.DecisionAccepted {
		return nil
	}

	if err := l.api.AcceptRequest(ctx, c.ID); err != nil {
		return fmt.Errorf("accept request: %w", err)
	}

	l.conversations.Promote(c.ID)
	l.followBack(ctx, c)

	if err := l.db.SetDecision(l.localUser, c.ID, chat.DecisionAccepted); err != nil {
		l.logger.Error("failed to persist accept decision", zap.Error(err), zap.String("chat_id", c.ID))
	}
	if err := l.db.ClearPreview(l.localUser, c.ID); err != nil {
		l.logger.Warn("failed to clear preview cache", zap.Error(err), zap.String("chat_id", c.ID))
	}

	l.publish("request.accepted", c.ID)
	return nil
}

// Decline declines a message request: the conversation disappears from both
// lists and its preview cache is purged. The persisted decision keeps it gone
// across every future reload. On API failure nothing mutates.
func (l *Lifecycle) Decline(ctx context.Context, c *chat.Conversation) error {
	if err := l.api.DeclineRequest(ctx, c.ID); err != nil {
		return fmt.Errorf("decline request: %w", err)
	}

	l.conversations.Remove(c.ID)

	if err := l.db.SetDecision(l.localUser, c.ID, chat.DecisionDeclined); err != nil {
		l.logger.Error("failed to persist decline decision", zap.Error(err), zap.String("chat_id", c.ID))
	}
	if err := l.db.ClearPreview(l.localUser, c.ID); err != nil {
		l.logger.Warn("failed to clear preview cache", zap.Error(err), zap.String("chat_id", c.ID))
	}

	l.publish("request.declined", c.ID)
	return nil
}

// followBack establishes the local user's follow edge toward the counterpart
// unless the relationship is already mutual. Both directions are checked
// independently; one follow never implies the other.
func (l *Lifecycle) followBack(ctx context.Context, c *chat.Conversation) {
	other := l.counterpart(c)
	if other == "" {
		return
	}
	mutual, err := l.Mutual(ctx, other)
	if err != nil {
		l.logger.Warn("follow check failed", zap.Error(err), zap.String("user_id", other))
		return
	}
	if mutual {
		return
	}
	if err := l.follower.Follow(ctx, other); err != nil {
		l.logger.Warn("follow side effect failed", zap.Error(err), zap.String("user_id", other))
	}
}

// Mutual reports whether the local user and other follow each other, checking
// both directions independently.
func (l *Lifecycle) Mutual(ctx context.Context, other string) (bool, error) {
	outbound, err := l.follower.Follows(ctx, l.localUser, other)
	if err != nil {
		return false, fmt.Errorf("follow check: %w", err)
	}
	if !outbound {
		return false, nil
	}
	inbound, err := l.follower.Follows(ctx, other, l.localUser)
	if err != nil {
		return false, fmt.Errorf("follow check: %w", err)
	}
	return inbound, nil
}

func (l *Lifecycle) counterpart(c *chat.Conversation) string {
	for _, p := range c.Participants {
		if p != l.localUser {
			return p
		}
	}
	return ""
}

func (l *Lifecycle) publish(kind, chatID string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID},
	})
}
