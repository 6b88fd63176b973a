// Package sendqueue tracks locally-composed messages between compose and
// server confirmation. Confirmations for a chat are matched to pending sends
// strictly in issue order; cross-chat ordering is neither guaranteed nor
// required.
package sendqueue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ovalles/dmsync/internal/chat"
)

// ErrNotFailed is returned by Retry when the entry is not in failed state.
var ErrNotFailed = errors.New("sendqueue: entry is not failed")

// Queue is the per-conversation FIFO of pending sends plus the failed set
// awaiting user retry.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]*chat.PendingSend // chatID -> FIFO, oldest first
	failed  map[string]*chat.PendingSend   // tempID -> entry
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		pending: make(map[string][]*chat.PendingSend),
		failed:  make(map[string]*chat.PendingSend),
	}
}

// Enqueue appends a pending send to the tail of its chat's FIFO.
func (q *Queue) Enqueue(tempID, chatID, text string) *chat.PendingSend {
	entry := &chat.PendingSend{
		TempID:     tempID,
		ChatID:     chatID,
		Text:       text,
		EnqueuedAt: time.Now(),
		State:      chat.SendPending,
	}
	q.mu.Lock()
	q.pending[chatID] = append(q.pending[chatID], entry)
	q.mu.Unlock()
	return entry
}

// DequeueForChat pops and returns the oldest pending send for chatID, or nil
// if the chat has none. Called when a confirmed message from the local user
// arrives; the returned tempID locates the optimistic entry to replace.
func (q *Queue) DequeueForChat(chatID string) *chat.PendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.pending[chatID]
	if len(fifo) == 0 {
		return nil
	}
	entry := fifo[0]
	q.pending[chatID] = fifo[1:]
	return entry
}

// Fail moves a pending entry to the failed set. Returns the entry, or nil if
// no pending entry with that tempID exists.
func (q *Queue) Fail(tempID string) *chat.PendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failLocked(tempID)
}

func (q *Queue) failLocked(tempID string) *chat.PendingSend {
	for chatID, fifo := range q.pending {
		for i, entry := range fifo {
			if entry.TempID == tempID {
				q.pending[chatID] = append(fifo[:i:i], fifo[i+1:]...)
				entry.State = chat.SendFailed
				q.failed[tempID] = entry
				return entry
			}
		}
	}
	return nil
}

// Retry re-enqueues a failed entry under a fresh tempID with the same text.
// Only failed entries are retryable.
func (q *Queue) Retry(tempID string) (*chat.PendingSend, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	old, ok := q.failed[tempID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFailed, tempID)
	}
	delete(q.failed, tempID)
	entry := &chat.PendingSend{
		TempID:     uuid.NewString(),
		ChatID:     old.ChatID,
		Text:       old.Text,
		EnqueuedAt: time.Now(),
		RetryCount: old.RetryCount + 1,
		State:      chat.SendPending,
	}
	q.pending[entry.ChatID] = append(q.pending[entry.ChatID], entry)
	return entry, nil
}

// Failed returns the failed entry for tempID, or nil.
func (q *Queue) Failed(tempID string) *chat.PendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed[tempID]
}

// PendingForChat returns a snapshot of the chat's pending FIFO.
func (q *Queue) PendingForChat(chatID string) []*chat.PendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.pending[chatID]
	out := make([]*chat.PendingSend, len(fifo))
	copy(out, fifo)
	return out
}

// expire marks every pending entry older than maxAge as failed and returns
// the expired entries. The original requests are abandoned, not aborted.
func (q *Queue) expire(maxAge time.Duration) []*chat.PendingSend {
	cutoff := time.Now().Add(-maxAge)
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*chat.PendingSend
	for _, fifo := range q.pending {
		for _, entry := range fifo {
			if entry.EnqueuedAt.Before(cutoff) {
				expired = append(expired, entry)
			}
		}
	}
	for _, entry := range expired {
		q.failLocked(entry.TempID)
	}
	return expired
}
