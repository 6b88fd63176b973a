// Package router dispatches inbound realtime events to the stores. It
// deduplicates message events, reconciles confirmations for the local user's
// sends against the send queue, and triggers a full resync when an event
// references a conversation nothing knows about.
package router

import (
	"context"
	"sync"

	"github.com/ovalles/dmsync/internal/chat"
	"github.com/ovalles/dmsync/internal/convstore"
	"github.com/ovalles/dmsync/internal/msgstore"
	"github.com/ovalles/dmsync/internal/presence"
	"github.com/ovalles/dmsync/internal/realtime"
	"github.com/ovalles/dmsync/internal/sendqueue"
	"go.uber.org/zap"
)

// maxDedupKeys bounds the duplicate-suppression window.
const maxDedupKeys = 1000

// Resyncer refetches the full conversation state. The conversation store's
// Reload satisfies it.
type Resyncer interface {
	Reload(ctx context.Context) error
}

// Router routes realtime events.
type Router struct {
	localUser     string
	openChat      func() string
	queue         *sendqueue.Queue
	messages      *msgstore.Store
	conversations *convstore.Store
	presence      *presence.Tracker
	resyncer      Resyncer
	logger        *zap.Logger

	mu    sync.Mutex
	seen  map[string]bool
	order []string
}

// New creates a router. openChat is an accessor, not a captured value: every
// dispatch reads the live selection, so late events never route against a
// stale conversation.
func New(
	localUser string,
	openChat func() string,
	queue *sendqueue.Queue,
	messages *msgstore.Store,
	conversations *convstore.Store,
	tracker *presence.Tracker,
	resyncer Resyncer,
	logger *zap.Logger,
) *Router {
	return &Router{
		localUser:     localUser,
		openChat:      openChat,
		queue:         queue,
		messages:      messages,
		conversations: conversations,
		presence:      tracker,
		resyncer:      resyncer,
		logger:        logger,
		seen:          make(map[string]bool),
	}
}

// Dispatch routes a single event. Handler errors are logged, never fatal.
func (r *Router) Dispatch(evt realtime.Event) {
	switch evt.Type {
	case realtime.EventNewMessage:
		r.handleNewMessage(evt)
	case realtime.EventTypingStart:
		if p, err := evt.User(); err == nil {
			r.presence.SetTyping(evt.ChatID, p.UserID)
		} else {
			r.logger.Warn("bad typing payload", zap.Error(err))
		}
	case realtime.EventTypingStop:
		if p, err := evt.User(); err == nil {
			r.presence.ClearTyping(evt.ChatID, p.UserID)
		} else {
			r.logger.Warn("bad typing payload", zap.Error(err))
		}
	case realtime.EventDeleted, realtime.EventDeletedForAll:
		r.handleDeletion(evt, chat.DeleteForEveryone)
	case realtime.EventDeletedForMe:
		r.handleDeletion(evt, chat.DeleteForMe)
	case realtime.EventMessagesRead:
		r.handleReceipt(evt, chat.Seen)
	case realtime.EventMessagesDelivered:
		r.handleReceipt(evt, chat.Delivered)
	case realtime.EventUserStatus:
		if p, err := evt.User(); err == nil {
			r.presence.SetOnline(p.UserID, p.Online, p.LastSeen)
		}
	case realtime.EventUserOffline:
		if p, err := evt.User(); err == nil {
			r.presence.SetOnline(p.UserID, false, p.LastSeen)
		}
	case realtime.EventRequestAccepted:
		r.conversations.SetStatus(evt.ChatID, chat.StatusActive)
	case realtime.EventRequestDeclined:
		r.conversations.Remove(evt.ChatID)
	default:
		r.logger.Debug("unhandled realtime event", zap.String("type", string(evt.Type)))
	}
}

// HandleConfirmed reconciles a server-confirmed message. Both delivery paths
// funnel here: the send API response and the push echo. The dedup set makes
// whichever arrives second a no-op.
func (r *Router) HandleConfirmed(m *chat.Message) {
	if r.isDuplicate(m.ChatID + ":" + m.ID) {
		return
	}

	if !r.conversations.Known(m.ChatID) {
		r.resync()
	}

	if m.Sender == r.localUser {
		r.reconcileOwnSend(m)
	} else if m.ChatID == r.openChat() {
		r.messages.Append(*m)
	}

	r.conversations.ApplyMessage(m, r.openChat())
}

func (r *Router) handleNewMessage(evt realtime.Event) {
	m, err := evt.Message()
	if err != nil {
		r.logger.Warn("bad message payload", zap.Error(err))
		return
	}
	if m.ChatID == "" {
		m.ChatID = evt.ChatID
	}
	r.HandleConfirmed(m)
}

// reconcileOwnSend matches a confirmation to the oldest pending send for the
// chat. Per-chat confirmations arrive in issue order, so strict FIFO matching
// is safe. An empty queue with a pending placeholder falls back to content
// equality; no match at all means the message came from another session.
func (r *Router) reconcileOwnSend(m *chat.Message) {
	entry := r.queue.DequeueForChat(m.ChatID)
	if entry != nil {
		if !r.messages.ConfirmPending(entry.TempID, *m) && m.ChatID == r.openChat() {
			r.messages.Append(*m)
		}
		return
	}
	if r.messages.ConfirmByText(m.Text, *m) {
		return
	}
	if m.ChatID == r.openChat() {
		r.messages.Append(*m)
	}
}

func (r *Router) handleDeletion(evt realtime.Event, scope chat.DeleteScope) {
	p, err := evt.Deletion()
	if err != nil {
		r.logger.Warn("bad deletion payload", zap.Error(err))
		return
	}
	if evt.ChatID == r.openChat() {
		r.messages.ApplyDeletion(p.MessageID, scope, p.DeletedAt)
	}
}

func (r *Router) handleReceipt(evt realtime.Event, state chat.DeliveryState) {
	p, err := evt.Receipt()
	if err != nil {
		r.logger.Warn("bad receipt payload", zap.Error(err))
		return
	}
	if evt.ChatID != r.openChat() {
		return
	}
	if state == chat.Seen {
		r.messages.ApplyRead(p.UserID, p.MessageIDs, p.At)
	} else {
		r.messages.ApplyDelivered(p.UserID, p.MessageIDs, p.At)
	}
}

// isDuplicate records the key and reports whether it was already seen.
// The set is bounded; the oldest keys age out first.
func (r *Router) isDuplicate(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[key] {
		return true
	}
	r.seen[key] = true
	r.order = append(r.order, key)
	if len(r.order) > maxDedupKeys {
		evicted := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, evicted)
	}
	return false
}

func (r *Router) resync() {
	if r.resyncer == nil {
		return
	}
	if err := r.resyncer.Reload(context.Background()); err != nil {
		r.logger.Error("resync after unknown chat failed", zap.Error(err))
	}
}
