package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ovalles/dmsync/internal/bus"
	"github.com/ovalles/dmsync/internal/chat"
	"github.com/ovalles/dmsync/internal/convstore"
	"github.com/ovalles/dmsync/internal/msgstore"
	"github.com/ovalles/dmsync/internal/persist"
	"github.com/ovalles/dmsync/internal/presence"
	"github.com/ovalles/dmsync/internal/request"
	"github.com/ovalles/dmsync/internal/router"
	"github.com/ovalles/dmsync/internal/sendqueue"
	"github.com/ovalles/dmsync/internal/status"
	"go.uber.org/zap"
)

// fakeChatAPI implements every Chat Service surface the engine's collaborators
// need: sending, listing, history, requests, follows.
type fakeChatAPI struct {
	mu      sync.Mutex
	sendErr error
	nextID  int
	sent    []chat.Message

	active   []chat.Conversation
	requests []chat.Conversation
}

func (f *fakeChatAPI) SendMessage(_ context.Context, chatID, text string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	m := chat.Message{
		ID:        "srv-" + strconv.Itoa(f.nextID),
		ChatID:    chatID,
		Sender:    "me",
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
	f.sent = append(f.sent, m)
	return &m, nil
}

func (f *fakeChatAPI) StartTyping(_ context.Context, _ string) error { return nil }
func (f *fakeChatAPI) StopTyping(_ context.Context, _ string) error  { return nil }

func (f *fakeChatAPI) CreateChat(_ context.Context, participantIDs []string, kind chat.Kind) (*chat.Conversation, error) {
	return &chat.Conversation{ID: "new", Kind: kind, Participants: participantIDs, CreatedBy: "me"}, nil
}

func (f *fakeChatAPI) ActiveChats(_ context.Context) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeChatAPI) MessageRequests(_ context.Context) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests, nil
}

func (f *fakeChatAPI) MarkAllRead(_ context.Context, _ string) error { return nil }

func (f *fakeChatAPI) AcceptRequest(_ context.Context, _ string) error  { return nil }
func (f *fakeChatAPI) DeclineRequest(_ context.Context, _ string) error { return nil }

func (f *fakeChatAPI) Follow(_ context.Context, _ string) error { return nil }
func (f *fakeChatAPI) Follows(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func (f *fakeChatAPI) ChatMessages(_ context.Context, _ string) ([]chat.Message, error) {
	return nil, nil
}

func (f *fakeChatAPI) DeleteMessage(_ context.Context, _, _ string, _ chat.DeleteScope) error {
	return nil
}

type fixture struct {
	engine   *Engine
	api      *fakeChatAPI
	bus      *bus.Bus
	queue    *sendqueue.Queue
	messages *msgstore.Store
}

// newFixture wires a real engine core over a fake API, without the realtime
// connection. The engine context is set directly so Send and Retry work
// without Start.
func newFixture(t *testing.T, api *fakeChatAPI) *fixture {
	t.Helper()
	db, err := persist.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	queue := sendqueue.New()
	messages := msgstore.New(api, api, b, logger)
	conversations := convstore.New("me", api, api, db, b, logger)
	if err := conversations.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	lifecycle := request.New("me", api, api, conversations, db, b, logger)
	tracker := presence.NewTracker(b)
	t.Cleanup(tracker.Stop)
	rt := router.New("me", messages.OpenChat, queue, messages, conversations, tracker, conversations, logger)
	machine := status.NewMachine(b)

	eng := New("me", api, nil, rt, queue, messages, conversations, lifecycle, db, machine, b, logger, nil)
	eng.ctx, eng.cancel = context.WithCancel(context.Background())
	t.Cleanup(eng.Stop)

	return &fixture{engine: eng, api: api, bus: b, queue: queue, messages: messages}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestSendConfirmsInPlace(t *testing.T) {
	api := &fakeChatAPI{active: []chat.Conversation{{ID: "c1", Status: chat.StatusActive}}}
	fx := newFixture(t, api)
	fx.messages.LoadPreview("c1", nil)

	tempID, err := fx.engine.Send("c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if tempID == "" {
		t.Fatal("want a tempId")
	}

	// The placeholder is visible synchronously.
	msgs := fx.messages.Messages()
	if len(msgs) != 1 || msgs[0].TempID != tempID || msgs[0].SendState != chat.SendPending {
		t.Fatalf("placeholder = %+v", msgs)
	}

	waitFor(t, func() bool {
		m := fx.messages.Messages()
		return len(m) == 1 && m[0].SendState == chat.SendSent
	})
	msgs = fx.messages.Messages()
	if msgs[0].ID == "" || msgs[0].Text != "hi" {
		t.Errorf("confirmed = %+v, want server id with original text", msgs[0])
	}
}

func TestSendBlockedForUnacceptedRequest(t *testing.T) {
	api := &fakeChatAPI{requests: []chat.Conversation{{
		ID:           "r1",
		Participants: []string{"me", "alice"},
		Status:       chat.StatusPending,
		CreatedBy:    "alice",
	}}}
	fx := newFixture(t, api)

	if _, err := fx.engine.Send("r1", "hello?"); !errors.Is(err, ErrSendNotAllowed) {
		t.Errorf("error = %v, want ErrSendNotAllowed", err)
	}
	if len(fx.messages.Messages()) != 0 {
		t.Error("no placeholder may appear for a blocked send")
	}
}

func TestSendAllowedForOwnOutgoingRequest(t *testing.T) {
	api := &fakeChatAPI{requests: []chat.Conversation{{
		ID:           "r1",
		Participants: []string{"me", "alice"},
		Status:       chat.StatusPending,
		CreatedBy:    "me",
	}}}
	fx := newFixture(t, api)
	fx.messages.LoadPreview("r1", nil)

	if _, err := fx.engine.Send("r1", "still me"); err != nil {
		t.Errorf("sender must be able to compose in their own request: %v", err)
	}
}

func TestSendFailureMarksPlaceholder(t *testing.T) {
	api := &fakeChatAPI{
		active:  []chat.Conversation{{ID: "c1", Status: chat.StatusActive}},
		sendErr: errors.New("boom"),
	}
	fx := newFixture(t, api)
	fx.messages.LoadPreview("c1", nil)
	ch := fx.bus.Subscribe("test", "send.failed", 4)

	tempID, err := fx.engine.Send("c1", "doomed")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no send.failed event")
	}

	msgs := fx.messages.Messages()
	if msgs[0].SendState != chat.SendFailed || msgs[0].Text != "doomed" {
		t.Errorf("placeholder = %+v, want failed with text intact", msgs[0])
	}
	if fx.queue.Failed(tempID) == nil {
		t.Error("queue should hold the failed entry for retry")
	}
}

func TestRetryGetsFreshTempID(t *testing.T) {
	api := &fakeChatAPI{
		active:  []chat.Conversation{{ID: "c1", Status: chat.StatusActive}},
		sendErr: errors.New("boom"),
	}
	fx := newFixture(t, api)
	fx.messages.LoadPreview("c1", nil)

	tempID, err := fx.engine.Send("c1", "second try")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		m := fx.messages.Messages()
		return len(m) == 1 && m[0].SendState == chat.SendFailed
	})

	// Server recovers; retry must use a fresh id and eventually confirm.
	api.mu.Lock()
	api.sendErr = nil
	api.mu.Unlock()

	fresh, err := fx.engine.Retry(tempID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == tempID {
		t.Error("retry must mint a fresh tempId")
	}

	waitFor(t, func() bool {
		m := fx.messages.Messages()
		return len(m) == 1 && m[0].SendState == chat.SendSent
	})
}

func TestRetryUnknownTempID(t *testing.T) {
	api := &fakeChatAPI{}
	fx := newFixture(t, api)
	if _, err := fx.engine.Retry("ghost"); err == nil {
		t.Error("want error retrying an unknown tempId")
	}
}

func TestAcceptRefetchesOpenChat(t *testing.T) {
	api := &fakeChatAPI{requests: []chat.Conversation{{
		ID:           "r1",
		Participants: []string{"me", "alice"},
		Status:       chat.StatusPending,
		CreatedBy:    "alice",
	}}}
	fx := newFixture(t, api)
	fx.messages.LoadPreview("r1", []chat.Message{{ID: "m1", ChatID: "r1", Sender: "alice", Text: "preview"}})

	if err := fx.engine.Accept(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	// Accepting the open chat swaps the preview for authoritative history
	// (empty here, served by the fake).
	if got := len(fx.messages.Messages()); got != 0 {
		t.Errorf("messages = %d, want authoritative (empty) history", got)
	}
	if _, err := fx.engine.Send("r1", "now allowed"); err != nil {
		t.Errorf("send after accept: %v", err)
	}
}

func TestSendTimeoutEventMarksFailed(t *testing.T) {
	api := &fakeChatAPI{active: []chat.Conversation{{ID: "c1", Status: chat.StatusActive}}}
	fx := newFixture(t, api)
	fx.messages.LoadPreview("c1", nil)
	fx.messages.AppendOptimistic(chat.Message{TempID: "t1", ChatID: "c1", Sender: "me", Text: "stuck"})

	go fx.engine.watchTimeouts(fx.engine.ctx)
	// Subscription has to land before the publish.
	waitFor(t, func() bool {
		fx.bus.Publish(bus.Event{
			Kind:      "send.timeout",
			Timestamp: time.Now(),
			Payload:   map[string]string{"temp_id": "t1", "chat_id": "c1"},
		})
		m := fx.messages.Messages()
		return len(m) == 1 && m[0].SendState == chat.SendFailed
	})
}
