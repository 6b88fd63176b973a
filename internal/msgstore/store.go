// Package msgstore owns the in-memory message list for the currently open
// conversation. It merges optimistic and confirmed entries, guarantees
// per-conversation order and exactly-once materialization, and applies
// deletion, read, and delivery mutations.
package msgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ovalles/dmsync/internal/bus"
	"github.com/ovalles/dmsync/internal/chat"
	"github.com/ovalles/dmsync/internal/chatapi"
	"go.uber.org/zap"
)

// NetworkError wraps a failed history fetch. The store keeps whatever is
// already rendered; only the loading state reflects the failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("msgstore: history fetch failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HistoryFetcher fetches a conversation's full message history.
type HistoryFetcher interface {
	ChatMessages(ctx context.Context, chatID string) ([]chat.Message, error)
}

// Deleter deletes a message server-side in the given scope.
type Deleter interface {
	DeleteMessage(ctx context.Context, chatID, messageID string, scope chat.DeleteScope) error
}

// Store holds the open conversation's ordered message list.
type Store struct {
	fetcher HistoryFetcher
	deleter Deleter
	bus     *bus.Bus
	logger  *zap.Logger

	mu         sync.Mutex
	openChat   string
	generation uint64
	loading    bool
	messages   []chat.Message
}

// New creates an empty store.
func New(fetcher HistoryFetcher, deleter Deleter, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		fetcher: fetcher,
		deleter: deleter,
		bus:     b,
		logger:  logger,
	}
}

// OpenChat returns the id of the currently open conversation, or "".
// Event handlers read this through an injected accessor at dispatch time so
// late events always route against the live selection.
func (s *Store) OpenChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openChat
}

// Loading reports whether a history fetch is outstanding or has failed.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Messages returns a snapshot of the current list.
func (s *Store) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// LoadForChat opens chatID and fetches its history. Each call bumps the load
// generation; a response that lands after the user has moved on is discarded.
// On fetch failure the already-rendered list is left intact.
func (s *Store) LoadForChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	if s.openChat != chatID {
		s.openChat = chatID
		s.messages = nil
	}
	s.generation++
	gen := s.generation
	s.loading = true
	s.mu.Unlock()

	list, err := s.fetcher.ChatMessages(ctx, chatID)
	if err != nil {
		return &NetworkError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.openChat != chatID {
		// The user switched away mid-fetch; this response is stale.
		return nil
	}
	s.setServerMessagesLocked(list)
	s.loading = false
	return nil
}

// LoadPreview populates the list from cached preview messages. Used for
// unaccepted request conversations where full history is not available.
func (s *Store) LoadPreview(chatID string, msgs []chat.Message) {
	s.mu.Lock()
	s.openChat = chatID
	s.generation++
	s.messages = append([]chat.Message(nil), msgs...)
	s.loading = false
	s.mu.Unlock()
	s.publish("message.list_reset", chatID)
}

// SetServerMessages merges freshly fetched history with any still-pending
// optimistic entries so a refetch triggered by an unrelated event never makes
// an in-flight send disappear.
func (s *Store) SetServerMessages(list []chat.Message) {
	s.mu.Lock()
	s.setServerMessagesLocked(list)
	chatID := s.openChat
	s.mu.Unlock()
	s.publish("message.list_reset", chatID)
}

func (s *Store) setServerMessagesLocked(list []chat.Message) {
	known := make(map[string]bool, len(list))
	for _, m := range list {
		if m.ID != "" {
			known[m.ID] = true
		}
	}
	merged := append([]chat.Message(nil), list...)
	for _, m := range s.messages {
		if m.SendState == chat.SendPending || m.SendState == chat.SendFailed {
			if m.ID == "" || !known[m.ID] {
				merged = append(merged, m)
			}
		}
	}
	s.messages = merged
}

// AppendOptimistic inserts a locally-composed placeholder at the tail.
func (s *Store) AppendOptimistic(m chat.Message) {
	s.mu.Lock()
	if s.openChat != m.ChatID {
		s.mu.Unlock()
		return
	}
	m.SendState = chat.SendPending
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.publish("message.appended", m.ChatID)
}

// ConfirmPending replaces the optimistic entry carrying tempID with the
// confirmed message, in place. Returns false if no such entry exists.
func (s *Store) ConfirmPending(tempID string, confirmed chat.Message) bool {
	s.mu.Lock()
	for i, m := range s.messages {
		if m.TempID == tempID && m.SendState == chat.SendPending {
			confirmed.TempID = tempID
			confirmed.SendState = chat.SendSent
			s.messages[i] = confirmed
			s.mu.Unlock()
			s.publish("message.confirmed", confirmed.ChatID)
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// ConfirmByText is the degraded fallback when the queue had no entry for a
// confirmation but a pending placeholder still exists: match on trimmed text.
func (s *Store) ConfirmByText(text string, confirmed chat.Message) bool {
	want := strings.TrimSpace(text)
	s.mu.Lock()
	for i, m := range s.messages {
		if m.SendState == chat.SendPending && strings.TrimSpace(m.Text) == want {
			confirmed.TempID = m.TempID
			confirmed.SendState = chat.SendSent
			s.messages[i] = confirmed
			s.mu.Unlock()
			s.logger.Warn("confirmed send by content equality, queue had no match",
				zap.String("chat_id", confirmed.ChatID),
				zap.String("msg_id", confirmed.ID))
			s.publish("message.confirmed", confirmed.ChatID)
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Contains reports whether a message with the given server id is stored.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Append adds a confirmed message from another participant or session.
// Duplicates by server id are ignored.
func (s *Store) Append(m chat.Message) {
	s.mu.Lock()
	if s.openChat != m.ChatID {
		s.mu.Unlock()
		return
	}
	for _, existing := range s.messages {
		if existing.ID != "" && existing.ID == m.ID {
			s.mu.Unlock()
			return
		}
	}
	m.SendState = chat.SendSent
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.publish("message.appended", m.ChatID)
}

// MarkSendFailed flips the placeholder carrying tempID to failed. The text is
// preserved for retry.
func (s *Store) MarkSendFailed(tempID string) {
	s.mu.Lock()
	for i, m := range s.messages {
		if m.TempID == tempID && m.SendState == chat.SendPending {
			s.messages[i].SendState = chat.SendFailed
			chatID := m.ChatID
			s.mu.Unlock()
			s.publish("message.send_failed", chatID)
			return
		}
	}
	s.mu.Unlock()
}

// RetryPending swaps a failed placeholder for a fresh pending one, in place,
// keeping its list position. Returns false if no failed entry matches.
func (s *Store) RetryPending(oldTempID string, m chat.Message) bool {
	s.mu.Lock()
	for i, existing := range s.messages {
		if existing.TempID == oldTempID && existing.SendState == chat.SendFailed {
			m.SendState = chat.SendPending
			s.messages[i] = m
			s.mu.Unlock()
			s.publish("message.updated", m.ChatID)
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Delete applies a deletion optimistically, calls the API, and reverts the
// for-everyone flag if the server rejects the delete as too old. The age
// window is server policy; the client only displays the outcome.
func (s *Store) Delete(ctx context.Context, chatID, messageID string, scope chat.DeleteScope) error {
	var removed *chat.Message
	var removedAt int
	if scope == chat.DeleteForMe {
		removed, removedAt = s.find(messageID)
	}
	s.ApplyDeletion(messageID, scope, time.Now().UnixMilli())

	err := s.deleter.DeleteMessage(ctx, chatID, messageID, scope)
	if err == nil {
		return nil
	}
	switch scope {
	case chat.DeleteForEveryone:
		s.revertDeletion(messageID)
		if errors.Is(err, chatapi.ErrStaleDeletion) {
			return err
		}
	case chat.DeleteForMe:
		// The entry was removed optimistically; put it back where it was so a
		// failed delete does not silently resurrect it on the next refetch.
		s.restore(removed, removedAt)
	}
	return fmt.Errorf("delete message: %w", err)
}

// find returns a copy of the message matching id (server or temp) and its
// position, or nil.
func (s *Store) find(messageID string) (*chat.Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == messageID || m.TempID == messageID {
			cp := m
			return &cp, i
		}
	}
	return nil, -1
}

// restore reinserts a removed message at its former position.
func (s *Store) restore(m *chat.Message, at int) {
	if m == nil {
		return
	}
	s.mu.Lock()
	if at < 0 || at > len(s.messages) {
		at = len(s.messages)
	}
	s.messages = append(s.messages[:at:at], append([]chat.Message{*m}, s.messages[at:]...)...)
	chatID := s.openChat
	s.mu.Unlock()
	s.publish("message.updated", chatID)
}

// ApplyDeletion mutates the list for an inbound or local deletion. ForMe
// removes the entry locally; forEveryone flags it, preserving the text.
func (s *Store) ApplyDeletion(messageID string, scope chat.DeleteScope, at int64) {
	s.mu.Lock()
	chatID := s.openChat
	switch scope {
	case chat.DeleteForMe:
		for i, m := range s.messages {
			if m.ID == messageID || m.TempID == messageID {
				s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
				break
			}
		}
	case chat.DeleteForEveryone:
		for i, m := range s.messages {
			if m.ID == messageID {
				s.messages[i].DeletedForEveryone = true
				s.messages[i].DeletedAt = at
				break
			}
		}
	}
	s.mu.Unlock()
	s.publish("message.deleted", chatID)
}

func (s *Store) revertDeletion(messageID string) {
	s.mu.Lock()
	chatID := s.openChat
	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages[i].DeletedForEveryone = false
			s.messages[i].DeletedAt = 0
			break
		}
	}
	s.mu.Unlock()
	s.publish("message.updated", chatID)
}

// ApplyRead records that userID has seen the given messages. Receipts only
// move forward: seen never drops back to delivered.
func (s *Store) ApplyRead(userID string, messageIDs []string, at int64) {
	s.applyReceipt(userID, messageIDs, chat.Seen, at)
}

// ApplyDelivered records delivery receipts for the given messages.
func (s *Store) ApplyDelivered(userID string, messageIDs []string, at int64) {
	s.applyReceipt(userID, messageIDs, chat.Delivered, at)
}

func (s *Store) applyReceipt(userID string, messageIDs []string, state chat.DeliveryState, at int64) {
	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}
	s.mu.Lock()
	chatID := s.openChat
	for i := range s.messages {
		m := &s.messages[i]
		if !ids[m.ID] {
			continue
		}
		if m.Delivery == nil {
			m.Delivery = make(map[string]chat.Receipt)
		}
		prev, ok := m.Delivery[userID]
		if ok && prev.State == chat.Seen && state == chat.Delivered {
			continue
		}
		m.Delivery[userID] = chat.Receipt{State: state, At: at}
		if state == chat.Seen && !m.ReadByUser(userID) {
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
	s.mu.Unlock()
	s.publish("message.receipts", chatID)
}

// Close clears the open conversation. Any in-flight load for it becomes stale.
func (s *Store) Close() {
	s.mu.Lock()
	s.openChat = ""
	s.generation++
	s.messages = nil
	s.loading = false
	s.mu.Unlock()
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
