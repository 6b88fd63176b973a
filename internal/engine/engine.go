// Package engine orchestrates the sync core: it connects the realtime feed
// to the router, exposes the user-facing operations (open, send, retry,
// accept, decline, mark read), and owns the session's fatal-auth teardown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ovalles/dmsync/internal/bus"
	"github.com/ovalles/dmsync/internal/chat"
	"github.com/ovalles/dmsync/internal/convstore"
	"github.com/ovalles/dmsync/internal/msgstore"
	"github.com/ovalles/dmsync/internal/persist"
	"github.com/ovalles/dmsync/internal/realtime"
	"github.com/ovalles/dmsync/internal/request"
	"github.com/ovalles/dmsync/internal/router"
	"github.com/ovalles/dmsync/internal/sendqueue"
	"github.com/ovalles/dmsync/internal/status"
	"go.uber.org/zap"
)

// ErrSendNotAllowed is returned when composing in a request conversation the
// local user has not accepted.
var ErrSendNotAllowed = errors.New("engine: sending is disabled until the request is accepted")

// API covers the Chat Service endpoints the engine calls directly.
type API interface {
	SendMessage(ctx context.Context, chatID, text string) (*chat.Message, error)
	StartTyping(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
	CreateChat(ctx context.Context, participantIDs []string, kind chat.Kind) (*chat.Conversation, error)
}

// Engine drives the sync core for one logical session.
type Engine struct {
	localUser     string
	api           API
	conn          *realtime.Conn
	router        *router.Router
	queue         *sendqueue.Queue
	messages      *msgstore.Store
	conversations *convstore.Store
	lifecycle     *request.Lifecycle
	db            *persist.DB
	machine       *status.Machine
	bus           *bus.Bus
	logger        *zap.Logger
	onFatalAuth   func()

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine. onFatalAuth is invoked exactly once if the push
// transport rejects the session's credentials; the caller is expected to tear
// the process down and send the user back through authentication.
func New(
	localUser string,
	api API,
	conn *realtime.Conn,
	rt *router.Router,
	queue *sendqueue.Queue,
	messages *msgstore.Store,
	conversations *convstore.Store,
	lifecycle *request.Lifecycle,
	db *persist.DB,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
	onFatalAuth func(),
) *Engine {
	return &Engine{
		localUser:     localUser,
		api:           api,
		conn:          conn,
		router:        rt,
		queue:         queue,
		messages:      messages,
		conversations: conversations,
		lifecycle:     lifecycle,
		db:            db,
		machine:       machine,
		bus:           b,
		logger:        logger,
		onFatalAuth:   onFatalAuth,
	}
}

// Start registers the realtime handler, performs the initial sync, and kicks
// off the background watchers. The handler registration is exactly-once; a
// second Start of the same session is an error, not a silent re-subscribe.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.conn.Handle(e.router.Dispatch); err != nil {
		return fmt.Errorf("register realtime handler: %w", err)
	}
	e.conn.Start(e.ctx)

	_ = e.machine.Transition(status.Connecting)
	_ = e.machine.Transition(status.Syncing)
	if err := e.Resync(e.ctx); err != nil {
		_ = e.machine.Transition(status.Error)
		return fmt.Errorf("initial sync: %w", err)
	}
	_ = e.machine.Transition(status.Ready)

	go e.watchTimeouts(e.ctx)
	go e.watchConn()

	return nil
}

// Stop cancels the engine's background work.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Resync refetches active chats and requests. Invoked on start and whenever
// an event references an unknown conversation.
func (e *Engine) Resync(ctx context.Context) error {
	return e.conversations.Reload(ctx)
}

// OpenConversation selects chatID: joins its push room, leaves the previous
// one, and loads its content. Unaccepted incoming requests get the cached
// preview only; everything else gets full history.
func (e *Engine) OpenConversation(ctx context.Context, chatID string) error {
	prev := e.messages.OpenChat()
	if prev != "" && prev != chatID {
		if err := e.conn.LeaveRoom(prev); err != nil {
			e.logger.Warn("leave room failed", zap.Error(err), zap.String("chat_id", prev))
		}
	}
	if err := e.conn.JoinRoom(chatID); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	if conv, ok := e.conversations.Get(chatID); ok {
		state, err := e.lifecycle.StateFor(&conv)
		if err == nil && state == request.PendingIncoming {
			preview, err := e.db.Preview(e.localUser, chatID)
			if err != nil {
				e.logger.Warn("preview cache read failed", zap.Error(err), zap.String("chat_id", chatID))
			}
			e.messages.LoadPreview(chatID, preview)
			if err := e.db.MarkRequestViewed(e.localUser, chatID); err != nil {
				e.logger.Warn("failed to record viewed request", zap.Error(err), zap.String("chat_id", chatID))
			}
			return nil
		}
	}

	return e.messages.LoadForChat(ctx, chatID)
}

// CloseConversation deselects the open conversation and leaves its room.
// In-flight history fetches for it become stale and will be discarded.
func (e *Engine) CloseConversation() {
	chatID := e.messages.OpenChat()
	if chatID == "" {
		return
	}
	if err := e.conn.LeaveRoom(chatID); err != nil {
		e.logger.Warn("leave room failed", zap.Error(err), zap.String("chat_id", chatID))
	}
	e.messages.Close()
}

// Send composes a message: a placeholder appears immediately under a fresh
// tempId and the network call runs in the background. Returns the tempId.
func (e *Engine) Send(chatID, text string) (string, error) {
	if conv, ok := e.conversations.Get(chatID); ok && !e.lifecycle.CanSend(&conv) {
		return "", ErrSendNotAllowed
	}

	tempID := uuid.NewString()
	e.queue.Enqueue(tempID, chatID, text)
	e.messages.AppendOptimistic(chat.Message{
		TempID:    tempID,
		ChatID:    chatID,
		Sender:    e.localUser,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})

	go e.deliver(tempID, chatID, text)
	return tempID, nil
}

// Retry re-sends a failed message under a fresh tempId with the same text.
func (e *Engine) Retry(tempID string) (string, error) {
	entry, err := e.queue.Retry(tempID)
	if err != nil {
		return "", err
	}
	fresh := chat.Message{
		TempID:    entry.TempID,
		ChatID:    entry.ChatID,
		Sender:    e.localUser,
		Text:      entry.Text,
		Timestamp: time.Now().UnixMilli(),
	}
	if !e.messages.RetryPending(tempID, fresh) {
		e.messages.AppendOptimistic(fresh)
	}

	go e.deliver(entry.TempID, entry.ChatID, entry.Text)
	return entry.TempID, nil
}

// deliver performs the actual send. It runs on the engine's own context: a
// user navigating away abandons the request but never cancels it.
func (e *Engine) deliver(tempID, chatID, text string) {
	msg, err := e.api.SendMessage(e.ctx, chatID, text)
	if err != nil {
		e.logger.Warn("send failed", zap.Error(err),
			zap.String("temp_id", tempID), zap.String("chat_id", chatID))
		e.queue.Fail(tempID)
		e.messages.MarkSendFailed(tempID)
		e.bus.Publish(bus.Event{
			Kind:      "send.failed",
			Timestamp: time.Now(),
			Payload:   map[string]string{"temp_id": tempID, "chat_id": chatID},
		})
		return
	}
	// Same reconciliation path as the push echo; dedup makes the second
	// arrival a no-op.
	e.router.HandleConfirmed(msg)
}

// MarkRead marks the conversation read durably and server-side.
func (e *Engine) MarkRead(ctx context.Context, chatID string) error {
	return e.conversations.MarkRead(ctx, chatID)
}

// Accept accepts a message request and refetches authoritative history if the
// conversation is currently open.
func (e *Engine) Accept(ctx context.Context, chatID string) error {
	conv, ok := e.conversations.Get(chatID)
	if !ok {
		return fmt.Errorf("accept: unknown conversation %s", chatID)
	}
	if err := e.lifecycle.Accept(ctx, &conv); err != nil {
		return err
	}
	if e.messages.OpenChat() == chatID {
		return e.messages.LoadForChat(ctx, chatID)
	}
	return nil
}

// Decline declines a message request and closes it if it is open.
func (e *Engine) Decline(ctx context.Context, chatID string) error {
	conv, ok := e.conversations.Get(chatID)
	if !ok {
		return fmt.Errorf("decline: unknown conversation %s", chatID)
	}
	if err := e.lifecycle.Decline(ctx, &conv); err != nil {
		return err
	}
	if e.messages.OpenChat() == chatID {
		e.CloseConversation()
	}
	return nil
}

// Delete removes a message in the given scope, reverting optimistic state if
// the server rejects the deletion.
func (e *Engine) Delete(ctx context.Context, chatID, messageID string, scope chat.DeleteScope) error {
	return e.messages.Delete(ctx, chatID, messageID, scope)
}

// StartTyping signals the user is typing in chatID.
func (e *Engine) StartTyping(ctx context.Context, chatID string) error {
	return e.api.StartTyping(ctx, chatID)
}

// StopTyping signals the user stopped typing in chatID.
func (e *Engine) StopTyping(ctx context.Context, chatID string) error {
	return e.api.StopTyping(ctx, chatID)
}

// CreateChat creates a conversation and resyncs the lists. A direct chat the
// local user creates shows up as active for them immediately, pending for the
// counterpart.
func (e *Engine) CreateChat(ctx context.Context, participantIDs []string, kind chat.Kind) (*chat.Conversation, error) {
	conv, err := e.api.CreateChat(ctx, participantIDs, kind)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	if err := e.Resync(ctx); err != nil {
		e.logger.Warn("resync after create failed", zap.Error(err))
	}
	return conv, nil
}

// watchTimeouts flips placeholders to failed when the sweeper gives up on
// their confirmations.
func (e *Engine) watchTimeouts(ctx context.Context) {
	ch := e.bus.Subscribe("engine.send_timeout", "send.timeout", 64)
	defer e.bus.Unsubscribe("engine.send_timeout")
	for {
		select {
		case evt := <-ch:
			payload, ok := evt.Payload.(map[string]string)
			if !ok {
				continue
			}
			e.messages.MarkSendFailed(payload["temp_id"])
		case <-ctx.Done():
			return
		}
	}
}

// watchConn reacts to the realtime read loop ending. A credential rejection
// is the one fatal condition: the session is torn down for re-authentication.
func (e *Engine) watchConn() {
	<-e.conn.Done()

	var authErr *realtime.FatalAuthError
	if errors.As(e.conn.Err(), &authErr) {
		e.logger.Error("push transport rejected credentials, tearing down session",
			zap.String("reason", authErr.Reason))
		_ = e.machine.Transition(status.AuthRequired)
		if e.onFatalAuth != nil {
			e.onFatalAuth()
		}
		return
	}

	select {
	case <-e.ctx.Done():
		// Normal shutdown.
	default:
		e.logger.Warn("realtime connection lost", zap.Error(e.conn.Err()))
		_ = e.machine.Transition(status.Reconnecting)
	}
}
