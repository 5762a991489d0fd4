// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arcuru/pokem/lib/ref"
	"github.com/arcuru/pokem/messaging"
)

const (
	// defaultSyncTimeout is the /sync long-poll duration.
	defaultSyncTimeout = 30 * time.Second

	// maxSyncRetries is how many consecutive sync failures are
	// tolerated before the session gives up and the daemon exits.
	maxSyncRetries = 5

	// syncErrorRetryDelay is the pause between failed sync attempts.
	syncErrorRetryDelay = 1 * time.Second

	// syncFilter trims the /sync response to what the relay consumes:
	// recent message timelines, membership state, no presence.
	syncFilter = `{"room":{"timeline":{"limit":50,"types":["m.room.message"]},"ephemeral":{"types":[]}},"presence":{"types":[]}}`
)

// MatrixSessionConfig holds the parameters for constructing a
// MatrixSession.
type MatrixSessionConfig struct {
	// Session is the authenticated Matrix session. Required.
	Session *messaging.DirectSession

	// Store persists the /sync position across restarts. Required.
	Store *Store

	// SyncTimeout overrides the long-poll duration. Zero uses 30s.
	SyncTimeout time.Duration

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// MatrixSession is the production ChatSession: it drives the /sync
// long-poll loop, translates homeserver traffic into relay events, and
// performs sends asynchronously so the event loop never blocks on
// HTTP I/O.
type MatrixSession struct {
	session     *messaging.DirectSession
	store       *Store
	syncTimeout time.Duration
	logger      *slog.Logger
	events      chan Event
}

// NewMatrixSession constructs a MatrixSession.
func NewMatrixSession(cfg MatrixSessionConfig) (*MatrixSession, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("relay: matrix session Session is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("relay: matrix session Store is required")
	}
	syncTimeout := cfg.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = defaultSyncTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixSession{
		session:     cfg.Session,
		store:       cfg.Store,
		syncTimeout: syncTimeout,
		logger:      logger,
		events:      make(chan Event),
	}, nil
}

// UserID implements ChatSession.
func (m *MatrixSession) UserID() ref.UserID {
	return m.session.UserID()
}

// Events implements ChatSession. The channel closes when Run exits.
func (m *MatrixSession) Events() <-chan Event {
	return m.events
}

// Run drives the /sync long-poll loop until ctx is cancelled or the
// session becomes unusable (revoked token, persistent sync failures).
// The /sync position is persisted after every processed batch so a
// restart resumes where it left off.
func (m *MatrixSession) Run(ctx context.Context) error {
	defer close(m.events)

	nextBatch, err := m.store.LoadNextBatch(ctx)
	if err != nil {
		return fmt.Errorf("loading sync position: %w", err)
	}
	// On a fresh account (no stored position) the first sync returns
	// accumulated history; its timeline is skipped so old messages are
	// not replayed as commands. Invites are still honored.
	initial := nextBatch == ""

	retries := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		options := messaging.SyncOptions{
			Since:      nextBatch,
			Filter:     syncFilter,
			SetTimeout: true,
			Timeout:    int(m.syncTimeout.Milliseconds()),
		}
		if initial {
			// Return immediately; there is nothing to long-poll for yet.
			options.Timeout = 0
		}

		response, err := m.session.Sync(ctx, options)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
				return fmt.Errorf("access token revoked: %w", err)
			}
			retries++
			if retries > maxSyncRetries {
				return fmt.Errorf("sync failed %d times in a row: %w", retries, err)
			}
			m.logger.Warn("sync failed, retrying",
				"attempt", retries,
				"error", err,
			)
			// A poisoned pooled connection keeps failing if reused.
			m.session.CloseIdleConnections()
			select {
			case <-time.After(syncErrorRetryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		retries = 0

		m.process(ctx, response, initial)
		initial = false

		nextBatch = response.NextBatch
		if err := m.store.SaveNextBatch(ctx, nextBatch); err != nil {
			// Not fatal: worst case a restart reprocesses one batch.
			m.logger.Warn("persisting sync position failed", "error", err)
		}
	}
}

// process translates one sync batch into relay events. When
// skipTimeline is set (initial sync), only invites are surfaced.
func (m *MatrixSession) process(ctx context.Context, response *messaging.SyncResponse, skipTimeline bool) {
	ownUserID := m.session.UserID().String()

	for roomID, invited := range response.Rooms.Invite {
		invite := InviteEvent{RoomID: roomID}
		for _, event := range invited.InviteState.Events {
			if event.Type != ref.EventTypeMember {
				continue
			}
			membership, _ := event.Content["membership"].(string)
			if membership == "join" {
				invite.MemberCount++
			}
			if membership == "invite" && event.StateKey != nil && *event.StateKey == ownUserID {
				invite.Sender = event.Sender
			}
		}
		if invite.Sender.IsZero() {
			m.logger.Warn("invite without identifiable inviter", "room_id", roomID)
			continue
		}
		if !m.emit(ctx, invite) {
			return
		}
	}

	if skipTimeline {
		return
	}

	for roomID, joined := range response.Rooms.Join {
		for _, event := range joined.Timeline.Events {
			if event.Type != ref.EventTypeMessage {
				continue
			}
			body, _ := event.Content["body"].(string)
			if body == "" {
				continue
			}
			message := MessageEvent{
				RoomID: roomID,
				Sender: event.Sender,
				Body:   body,
			}
			if !m.emit(ctx, message) {
				return
			}
		}
	}
}

// emit delivers an event to the engine, unless shutdown wins first.
func (m *MatrixSession) emit(ctx context.Context, event Event) bool {
	select {
	case m.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// Send implements ChatSession. The HTTP call runs in its own goroutine
// and the outcome is emitted as a SendAckEvent; a send can therefore
// never stall the event loop.
func (m *MatrixSession) Send(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent, correlationID uuid.UUID) {
	go func() {
		_, err := m.session.SendMessage(ctx, roomID, content)
		m.emit(ctx, SendAckEvent{CorrelationID: correlationID, Err: err})
	}()
}

// Join implements ChatSession.
func (m *MatrixSession) Join(ctx context.Context, roomID ref.RoomID) error {
	_, err := m.session.JoinRoom(ctx, roomID)
	return err
}

// Leave implements ChatSession.
func (m *MatrixSession) Leave(ctx context.Context, roomID ref.RoomID) error {
	return m.session.LeaveRoom(ctx, roomID)
}

// ResolveAlias implements ChatSession.
func (m *MatrixSession) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	return m.session.ResolveAlias(ctx, alias)
}

// MemberCount implements ChatSession. Counts joined members only.
func (m *MatrixSession) MemberCount(ctx context.Context, roomID ref.RoomID) (int, error) {
	members, err := m.session.GetRoomMembers(ctx, roomID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, member := range members {
		if member.Membership == "join" {
			count++
		}
	}
	return count, nil
}
