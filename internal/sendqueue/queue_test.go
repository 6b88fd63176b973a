package sendqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ovalles/dmsync/internal/bus"
	"github.com/ovalles/dmsync/internal/chat"
	"go.uber.org/zap"
)

func TestFIFOPerChat(t *testing.T) {
	q := New()
	q.Enqueue("t1", "c1", "a")
	q.Enqueue("t2", "c1", "b")
	q.Enqueue("t3", "c2", "other")

	first := q.DequeueForChat("c1")
	if first == nil || first.TempID != "t1" {
		t.Fatalf("first dequeue = %v, want t1", first)
	}
	second := q.DequeueForChat("c1")
	if second == nil || second.TempID != "t2" {
		t.Fatalf("second dequeue = %v, want t2", second)
	}
	if q.DequeueForChat("c1") != nil {
		t.Error("third dequeue should be nil")
	}

	// c2's queue is independent.
	other := q.DequeueForChat("c2")
	if other == nil || other.TempID != "t3" {
		t.Errorf("c2 dequeue = %v, want t3", other)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := New()
	if q.DequeueForChat("nope") != nil {
		t.Error("dequeue on empty chat should be nil")
	}
}

func TestFailAndRetry(t *testing.T) {
	q := New()
	q.Enqueue("t1", "c1", "hello")

	entry := q.Fail("t1")
	if entry == nil || entry.State != chat.SendFailed {
		t.Fatalf("Fail = %v, want failed entry", entry)
	}
	if q.DequeueForChat("c1") != nil {
		t.Error("failed entry should leave the pending FIFO")
	}

	fresh, err := q.Retry("t1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.TempID == "t1" {
		t.Error("retry must issue a fresh tempId")
	}
	if fresh.Text != "hello" {
		t.Errorf("retry text = %q, want original text", fresh.Text)
	}
	if fresh.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", fresh.RetryCount)
	}
	if fresh.State != chat.SendPending {
		t.Errorf("retry state = %q, want pending", fresh.State)
	}

	// The retried entry is confirmable like any other.
	got := q.DequeueForChat("c1")
	if got == nil || got.TempID != fresh.TempID {
		t.Errorf("dequeue after retry = %v, want %s", got, fresh.TempID)
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	q := New()
	q.Enqueue("t1", "c1", "hello")

	_, err := q.Retry("t1")
	if !errors.Is(err, ErrNotFailed) {
		t.Errorf("Retry on pending entry error = %v, want ErrNotFailed", err)
	}

	_, err = q.Retry("unknown")
	if !errors.Is(err, ErrNotFailed) {
		t.Errorf("Retry on unknown entry error = %v, want ErrNotFailed", err)
	}
}

func TestExpireMarksOldEntriesFailed(t *testing.T) {
	q := New()
	stale := q.Enqueue("t1", "c1", "old")
	stale.EnqueuedAt = time.Now().Add(-2 * time.Minute)
	q.Enqueue("t2", "c1", "new")

	expired := q.expire(time.Minute)
	if len(expired) != 1 || expired[0].TempID != "t1" {
		t.Fatalf("expired = %v, want [t1]", expired)
	}
	if q.Failed("t1") == nil {
		t.Error("expired entry should be retryable from failed set")
	}

	// The fresh entry survives and keeps FIFO position.
	got := q.DequeueForChat("c1")
	if got == nil || got.TempID != "t2" {
		t.Errorf("dequeue after expire = %v, want t2", got)
	}
}

func TestSweeperPublishesTimeout(t *testing.T) {
	q := New()
	b := bus.New()
	s := NewSweeper(q, b, zap.NewNop())
	s.interval = 20 * time.Millisecond
	s.deadline = 50 * time.Millisecond

	ch := b.Subscribe("test", "send.timeout", 10)
	defer b.Unsubscribe("test")

	q.Enqueue("t1", "c1", "doomed")

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		payload, ok := evt.Payload.(map[string]string)
		if !ok || payload["temp_id"] != "t1" {
			t.Errorf("payload = %v, want temp_id=t1", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send.timeout event")
	}

	if q.Failed("t1") == nil {
		t.Error("swept entry should be in failed set")
	}
}
