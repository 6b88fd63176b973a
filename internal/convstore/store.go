// Package convstore owns the conversation summaries: the active chat list and
// the pending request list. Rebuilds always consult the durable persistence
// layer so declined requests stay gone and read markers survive reloads.
package convstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ovalles/dmsync/internal/bus"
	"github.com/ovalles/dmsync/internal/chat"
	"github.com/ovalles/dmsync/internal/persist"
	"go.uber.org/zap"
)

// Lister fetches the chat and request lists from the Chat Service API.
type Lister interface {
	ActiveChats(ctx context.Context) ([]chat.Conversation, error)
	MessageRequests(ctx context.Context) ([]chat.Conversation, error)
}

// ReadMarker marks a whole conversation read server-side.
type ReadMarker interface {
	MarkAllRead(ctx context.Context, chatID string) error
}

// Store holds conversation summaries for all known conversations.
type Store struct {
	localUser string
	lister    Lister
	marker    ReadMarker
	db        *persist.DB
	bus       *bus.Bus
	logger    *zap.Logger

	mu       sync.Mutex
	active   []chat.Conversation
	requests []chat.Conversation
}

// New creates an empty store for the given local user.
func New(localUser string, lister Lister, marker ReadMarker, db *persist.DB, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		localUser: localUser,
		lister:    lister,
		marker:    marker,
		db:        db,
		bus:       b,
		logger:    logger,
	}
}

// Active returns a snapshot of the active conversation list.
func (s *Store) Active() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Conversation(nil), s.active...)
}

// Requests returns a snapshot of the pending request list.
func (s *Store) Requests() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Conversation(nil), s.requests...)
}

// Get returns the conversation with the given id from either list.
func (s *Store) Get(chatID string) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.active {
		if c.ID == chatID {
			return c, true
		}
	}
	for _, c := range s.requests {
		if c.ID == chatID {
			return c, true
		}
	}
	return chat.Conversation{}, false
}

// Known reports whether chatID appears in either list.
func (s *Store) Known(chatID string) bool {
	_, ok := s.Get(chatID)
	return ok
}

// Reload fetches both lists and rebuilds local state. Declined conversations
// are dropped for good; requests the local user created are promoted into the
// active list even while the server still reports them pending, so the sender
// always sees their own outgoing thread as active. The durable read set zeroes
// unread counts, except where the server reports fresh unread content, in
// which case the stale marker is cleared instead.
func (s *Store) Reload(ctx context.Context) error {
	activeList, err := s.lister.ActiveChats(ctx)
	if err != nil {
		return fmt.Errorf("fetch active chats: %w", err)
	}
	requestList, err := s.lister.MessageRequests(ctx)
	if err != nil {
		return fmt.Errorf("fetch message requests: %w", err)
	}
	decisions, err := s.db.Decisions(s.localUser)
	if err != nil {
		return fmt.Errorf("load decisions: %w", err)
	}
	readSet, err := s.db.ReadChats(s.localUser)
	if err != nil {
		return fmt.Errorf("load read set: %w", err)
	}

	var active, requests []chat.Conversation
	for _, c := range activeList {
		if decisions[c.ID] == chat.DecisionDeclined {
			continue
		}
		active = append(active, c)
	}
	for _, c := range requestList {
		switch {
		case decisions[c.ID] == chat.DecisionDeclined:
			continue
		case decisions[c.ID] == chat.DecisionAccepted:
			active = append(active, c)
		case c.CreatedBy == s.localUser:
			// Outgoing request: the sender's own thread behaves as active.
			active = append(active, c)
		default:
			requests = append(requests, c)
		}
	}

	active = dedupe(active)
	requests = dedupe(requests)

	s.applyReadSet(active, readSet)
	s.applyReadSet(requests, readSet)
	s.seedPreviews(requests)

	sortByRecency(active)
	sortByRecency(requests)

	s.mu.Lock()
	s.active = active
	s.requests = requests
	s.mu.Unlock()

	s.publish("conversation.reloaded", "")
	return nil
}

// applyReadSet zeroes the unread count of conversations in the durable read
// set, except where the server reports fresh unread content, in which case the
// stale marker is cleared instead.
func (s *Store) applyReadSet(list []chat.Conversation, readSet map[string]bool) {
	for i := range list {
		if !readSet[list[i].ID] {
			continue
		}
		if list[i].UnreadCount > 0 {
			// New unread content invalidates the stale read marker.
			if err := s.db.ClearChatRead(s.localUser, list[i].ID); err != nil {
				s.logger.Warn("failed to clear stale read marker",
					zap.Error(err), zap.String("chat_id", list[i].ID))
			}
		} else {
			list[i].UnreadCount = 0
		}
	}
}

// seedPreviews backfills the preview cache for pending requests whose cache is
// still empty, using the request's last message from the server list. The
// recipient must have something to render before accepting.
func (s *Store) seedPreviews(requests []chat.Conversation) {
	for _, c := range requests {
		if c.LastText == "" {
			continue
		}
		existing, err := s.db.Preview(s.localUser, c.ID)
		if err != nil {
			s.logger.Warn("preview cache read failed",
				zap.Error(err), zap.String("chat_id", c.ID))
			continue
		}
		if len(existing) > 0 {
			continue
		}
		seed := []chat.Message{{
			ChatID:    c.ID,
			Sender:    c.LastSender,
			Text:      c.LastText,
			Timestamp: c.LastMessageAt,
		}}
		if err := s.db.CachePreview(s.localUser, c.ID, seed); err != nil {
			s.logger.Warn("preview cache write failed",
				zap.Error(err), zap.String("chat_id", c.ID))
		}
	}
}

// dedupe removes duplicate conversations: by id, and for direct conversations
// by participant-set equality, keeping the most recently active entry.
func dedupe(list []chat.Conversation) []chat.Conversation {
	byID := make(map[string]bool, len(list))
	byParticipants := make(map[string]int)
	var out []chat.Conversation
	for _, c := range list {
		if byID[c.ID] {
			continue
		}
		byID[c.ID] = true
		if c.Kind == chat.KindDirect {
			key := c.ParticipantKey()
			if i, ok := byParticipants[key]; ok {
				if c.LastMessageAt > out[i].LastMessageAt {
					out[i] = c
				}
				continue
			}
			byParticipants[key] = len(out)
		}
		out = append(out, c)
	}
	return out
}

func sortByRecency(list []chat.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastMessageAt > list[j].LastMessageAt
	})
}

// ApplyMessage folds an inbound or confirmed message into the summary of its
// conversation. openChatID is the live selection: messages for the open chat
// never bump its unread count. Returns false when the chat is unknown, which
// signals the caller to resync.
func (s *Store) ApplyMessage(m *chat.Message, openChatID string) bool {
	s.mu.Lock()

	apply := func(list []chat.Conversation) bool {
		for i := range list {
			if list[i].ID != m.ChatID {
				continue
			}
			list[i].LastSender = m.Sender
			list[i].LastText = m.Text
			list[i].LastMessageAt = m.Timestamp
			if m.Sender != s.localUser && m.ChatID != openChatID {
				list[i].UnreadCount++
			}
			return true
		}
		return false
	}

	foundActive := apply(s.active)
	foundRequest := false
	if !foundActive {
		foundRequest = apply(s.requests)
	}
	found := foundActive || foundRequest
	if found {
		sortByRecency(s.active)
		sortByRecency(s.requests)
	}
	s.mu.Unlock()

	if foundRequest {
		// Messages into a pending request feed the durable preview the
		// recipient renders before accepting.
		s.appendPreview(m)
	}
	if found {
		s.publish("conversation.updated", m.ChatID)
	}
	return found
}

// appendPreview adds m to the cached preview of its request conversation,
// skipping messages the cache already holds.
func (s *Store) appendPreview(m *chat.Message) {
	msgs, err := s.db.Preview(s.localUser, m.ChatID)
	if err != nil {
		s.logger.Warn("preview cache read failed",
			zap.Error(err), zap.String("chat_id", m.ChatID))
		return
	}
	for _, existing := range msgs {
		if m.ID != "" && existing.ID == m.ID {
			return
		}
	}
	msgs = append(msgs, *m)
	if err := s.db.CachePreview(s.localUser, m.ChatID, msgs); err != nil {
		s.logger.Warn("preview cache write failed",
			zap.Error(err), zap.String("chat_id", m.ChatID))
	}
}

// MarkRead zeroes the unread count, records the durable read marker, and
// tells the server. The durable write happens first so a crash between the
// two never loses the user's action.
func (s *Store) MarkRead(ctx context.Context, chatID string) error {
	if err := s.db.MarkChatRead(s.localUser, chatID); err != nil {
		return fmt.Errorf("persist read marker: %w", err)
	}

	s.mu.Lock()
	for i := range s.active {
		if s.active[i].ID == chatID {
			s.active[i].UnreadCount = 0
			break
		}
	}
	s.mu.Unlock()
	s.publish("conversation.read", chatID)

	if err := s.marker.MarkAllRead(ctx, chatID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Promote moves a request conversation into the active list with zero unread.
func (s *Store) Promote(chatID string) {
	s.mu.Lock()
	for i, c := range s.requests {
		if c.ID == chatID {
			s.requests = append(s.requests[:i:i], s.requests[i+1:]...)
			c.Status = chat.StatusActive
			c.UnreadCount = 0
			s.active = append(s.active, c)
			sortByRecency(s.active)
			break
		}
	}
	s.mu.Unlock()
	s.publish("conversation.updated", chatID)
}

// Remove drops the conversation from both lists.
func (s *Store) Remove(chatID string) {
	s.mu.Lock()
	s.active = removeByID(s.active, chatID)
	s.requests = removeByID(s.requests, chatID)
	s.mu.Unlock()
	s.publish("conversation.removed", chatID)
}

// SetStatus updates the stored status of a conversation in place. Used when
// the counterpart accepts or declines our outgoing request.
func (s *Store) SetStatus(chatID string, status chat.Status) {
	s.mu.Lock()
	for i := range s.active {
		if s.active[i].ID == chatID {
			s.active[i].Status = status
		}
	}
	for i := range s.requests {
		if s.requests[i].ID == chatID {
			s.requests[i].Status = status
		}
	}
	s.mu.Unlock()
	s.publish("conversation.updated", chatID)
}

func removeByID(list []chat.Conversation, chatID string) []chat.Conversation {
	for i, c := range list {
		if c.ID == chatID {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func (s *Store) publish(kind, chatID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID},
	})
}
