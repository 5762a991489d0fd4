// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcuru/pokem/messaging"
)

// DefaultAckTimeout bounds how long Deliver waits for a send
// acknowledgement when no timeout is configured.
const DefaultAckTimeout = 30 * time.Second

// Request is one relay request, as the HTTP layer hands it over.
type Request struct {
	// Room is the raw room reference from the request path (or the
	// "topic" field). Empty means the configured default room.
	Room string

	// Title is an optional heading, rendered bold above the message.
	Title string

	// Message is the notification text.
	Message string

	// Priority is the notification priority, 1 (min) to 5 (max).
	// Values above 3 make the request urgent. Zero means default.
	Priority int

	// Format overrides the configured message format for this request
	// ("markdown" or "plain"). Empty uses the default.
	Format string

	// AuthToken is the token presented by the caller, or empty.
	AuthToken string
}

// EngineConfig holds the collaborators for constructing an Engine.
type EngineConfig struct {
	Directory *Directory
	Security  *SecurityState
	Formatter *Formatter
	Session   ChatSession
	Admitter  *Admitter
	Commander *Commander

	// AckTimeout bounds the wait for a delivery acknowledgement.
	// Zero uses DefaultAckTimeout.
	AckTimeout time.Duration

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Engine is the relay core: it takes requests through the
// resolve → authorize → format → send → await-ack pipeline, and runs
// the single event loop that feeds the Admitter, the Commander, and
// the ack waiters.
type Engine struct {
	directory  *Directory
	security   *SecurityState
	formatter  *Formatter
	session    ChatSession
	admitter   *Admitter
	commander  *Commander
	ackTimeout time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	waiters map[uuid.UUID]chan error
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Directory == nil:
		return nil, fmt.Errorf("relay: engine Directory is required")
	case cfg.Security == nil:
		return nil, fmt.Errorf("relay: engine Security is required")
	case cfg.Formatter == nil:
		return nil, fmt.Errorf("relay: engine Formatter is required")
	case cfg.Session == nil:
		return nil, fmt.Errorf("relay: engine Session is required")
	}

	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		directory:  cfg.Directory,
		security:   cfg.Security,
		formatter:  cfg.Formatter,
		session:    cfg.Session,
		admitter:   cfg.Admitter,
		commander:  cfg.Commander,
		ackTimeout: ackTimeout,
		logger:     logger,
		waiters:    make(map[uuid.UUID]chan error),
	}, nil
}

// Deliver relays one request into its target room, blocking until the
// delivery is acknowledged, fails, or times out.
//
// The pipeline: compose and validate the body, resolve the room
// reference (urgent variant first for priorities above 3), check the
// room's auth token, format, send, await the ack.
func (e *Engine) Deliver(ctx context.Context, request Request) error {
	body := ComposeBody(request.Title, request.Message)
	if body == "" {
		return ErrEmptyMessage
	}

	urgent := request.Priority > 3
	resolution, err := e.directory.Resolve(ctx, request.Room, urgent)
	if err != nil {
		return err
	}

	if e.security.Blocked(resolution.RoomID) {
		return fmt.Errorf("%w: %s", ErrRoomBlocked, resolution.RoomID)
	}
	if err := e.security.Authorize(resolution.RoomID, request.AuthToken); err != nil {
		return err
	}

	content := e.formatter.Message(body, request.Format)
	if urgent && !resolution.Urgent {
		// No urgent variant of the room exists; ping everyone in the
		// base room instead.
		content.Mentions = &messaging.Mentions{Room: true}
	}

	// The waiter is registered before the send is issued, so the ack
	// cannot race past us.
	correlationID := uuid.New()
	ack := e.registerWaiter(correlationID)
	defer e.dropWaiter(correlationID)

	e.session.Send(ctx, resolution.RoomID, content, correlationID)

	timer := time.NewTimer(e.ackTimeout)
	defer timer.Stop()

	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		e.logger.Info("message delivered",
			"room_id", resolution.RoomID,
			"urgent", urgent,
			"correlation_id", correlationID,
		)
		return nil
	case <-timer.C:
		e.logger.Warn("delivery acknowledgement timed out",
			"room_id", resolution.RoomID,
			"correlation_id", correlationID,
			"timeout", e.ackTimeout,
		)
		return fmt.Errorf("%w: no acknowledgement within %v", ErrDeliveryFailed, e.ackTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the session's event stream until ctx is cancelled or
// the stream closes. Invites go to the Admitter, room messages to the
// Commander, and acks to their registered waiters. Event-path failures
// are absorbed; nothing here can crash the loop.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-e.session.Events():
			if !ok {
				return nil
			}
			switch event := event.(type) {
			case InviteEvent:
				if e.admitter != nil {
					e.admitter.HandleInvite(ctx, event)
				}
			case MessageEvent:
				if e.commander != nil {
					e.commander.HandleMessage(ctx, event)
				}
			case SendAckEvent:
				e.resolveAck(event)
			default:
				e.logger.Warn("unknown event type", "event", fmt.Sprintf("%T", event))
			}
		}
	}
}

// registerWaiter creates the ack channel for a correlation ID. The
// channel is buffered so the event loop never blocks handing over an
// ack.
func (e *Engine) registerWaiter(correlationID uuid.UUID) chan error {
	ack := make(chan error, 1)
	e.mu.Lock()
	e.waiters[correlationID] = ack
	e.mu.Unlock()
	return ack
}

// dropWaiter removes a waiter. Idempotent; a late ack for a dropped
// waiter is discarded by resolveAck.
func (e *Engine) dropWaiter(correlationID uuid.UUID) {
	e.mu.Lock()
	delete(e.waiters, correlationID)
	e.mu.Unlock()
}

func (e *Engine) resolveAck(ack SendAckEvent) {
	e.mu.Lock()
	waiter, ok := e.waiters[ack.CorrelationID]
	if ok {
		delete(e.waiters, ack.CorrelationID)
	}
	e.mu.Unlock()

	if !ok {
		// Fire-and-forget send (command reply, welcome) or a waiter
		// that already timed out. Either way, drop it.
		if ack.Err != nil {
			e.logger.Warn("unclaimed send failed",
				"correlation_id", ack.CorrelationID,
				"error", ack.Err,
			)
		}
		return
	}
	waiter <- ack.Err
}
