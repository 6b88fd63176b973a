// Package presence holds ephemeral per-user state: typing indicators with a
// fixed idle expiry and online/offline status. Nothing here is persisted.
package presence

import (
	"sync"
	"time"

	"github.com/ovalles/dmsync/internal/bus"
)

const typingTTL = 3 * time.Second

type typingKey struct {
	chatID string
	userID string
}

// OnlineStatus is the last known presence of a user.
type OnlineStatus struct {
	Online   bool
	LastSeen int64
}

// Tracker owns typing timers and online status.
type Tracker struct {
	bus *bus.Bus
	ttl time.Duration

	mu     sync.Mutex
	typing map[typingKey]*time.Timer
	online map[string]OnlineStatus
}

// NewTracker creates an empty tracker.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		bus:    b,
		ttl:    typingTTL,
		typing: make(map[typingKey]*time.Timer),
		online: make(map[string]OnlineStatus),
	}
}

// SetTyping marks userID as typing in chatID. The slot expires on its own
// after the idle TTL unless refreshed or cancelled.
func (t *Tracker) SetTyping(chatID, userID string) {
	key := typingKey{chatID: chatID, userID: userID}
	t.mu.Lock()
	if timer, ok := t.typing[key]; ok {
		timer.Reset(t.ttl)
		t.mu.Unlock()
		return
	}
	t.typing[key] = time.AfterFunc(t.ttl, func() {
		t.ClearTyping(chatID, userID)
	})
	t.mu.Unlock()
	t.publish("presence.typing", chatID, userID)
}

// ClearTyping cancels the typing slot for (chatID, userID).
func (t *Tracker) ClearTyping(chatID, userID string) {
	key := typingKey{chatID: chatID, userID: userID}
	t.mu.Lock()
	timer, ok := t.typing[key]
	if ok {
		timer.Stop()
		delete(t.typing, key)
	}
	t.mu.Unlock()
	if ok {
		t.publish("presence.stopped_typing", chatID, userID)
	}
}

// Typing returns the users currently typing in chatID.
func (t *Tracker) Typing(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []string
	for key := range t.typing {
		if key.chatID == chatID {
			users = append(users, key.userID)
		}
	}
	return users
}

// SetOnline records a user's presence.
func (t *Tracker) SetOnline(userID string, online bool, lastSeen int64) {
	t.mu.Lock()
	t.online[userID] = OnlineStatus{Online: online, LastSeen: lastSeen}
	t.mu.Unlock()
	t.publish("presence.status", "", userID)
}

// Online returns the last known presence for userID.
func (t *Tracker) Online(userID string) (OnlineStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.online[userID]
	return st, ok
}

// Stop cancels all outstanding typing timers.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.typing {
		timer.Stop()
		delete(t.typing, key)
	}
}

func (t *Tracker) publish(kind, chatID, userID string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID, "user_id": userID},
	})
}
