// Package realtime is the websocket adapter for the push event bus. It joins
// and leaves per-chat rooms, decodes inbound frames into typed events, and
// hands them to a single registered handler. Connection retry policy lives
// with the caller; this adapter only reports why the read loop ended.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// FatalAuthError is returned when the push transport rejects the session's
// credentials. It is the only non-recoverable condition in the engine: the
// caller tears the session down instead of reconnecting.
type FatalAuthError struct {
	Reason string
}

func (e *FatalAuthError) Error() string {
	return fmt.Sprintf("realtime: authentication rejected: %s", e.Reason)
}

// ErrHandlerRegistered is returned by Handle when a handler already exists.
// Registration is exactly-once per logical session.
var ErrHandlerRegistered = errors.New("realtime: event handler already registered")

type outFrame struct {
	Action string `json:"action"`
	ChatID string `json:"chatId"`
}

// Conn is a live websocket connection to the realtime bus.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	handlerMu sync.Mutex
	handler   func(Event)

	done chan struct{}
	err  error
}

// Dial connects to the realtime bus at url, authenticating with token.
func Dial(ctx context.Context, url, token string, logger *zap.Logger) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &FatalAuthError{Reason: resp.Status}
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	return &Conn{
		ws:     ws,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Handle registers the event handler. A second registration is rejected:
// duplicate handlers were the source of double-processed events in ad hoc
// remove-all-then-add subscription schemes.
func (c *Conn) Handle(fn func(Event)) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.handler != nil {
		return ErrHandlerRegistered
	}
	c.handler = fn
	return nil
}

// Start runs the read loop until the context is cancelled or the connection
// drops. Frames that fail to decode are logged and skipped.
func (c *Conn) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = c.ws.Close()
	}()
	go c.readLoop()
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Warn("undecodable realtime frame", zap.Error(err))
			continue
		}
		if evt.Type == EventAuthFailed {
			c.err = &FatalAuthError{Reason: string(evt.Payload)}
			return
		}
		c.handlerMu.Lock()
		fn := c.handler
		c.handlerMu.Unlock()
		if fn != nil {
			fn(evt)
		}
	}
}

// JoinRoom subscribes the connection to a chat's push events.
func (c *Conn) JoinRoom(chatID string) error {
	return c.write(outFrame{Action: "join", ChatID: chatID})
}

// LeaveRoom unsubscribes the connection from a chat's push events.
func (c *Conn) LeaveRoom(chatID string) error {
	return c.write(outFrame{Action: "leave", ChatID: chatID})
}

func (c *Conn) write(f outFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

// Done is closed when the read loop ends. Err reports why.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the underlying websocket.
func (c *Conn) Close() error {
	return c.ws.Close()
}
