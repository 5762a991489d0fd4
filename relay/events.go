// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"

	"github.com/google/uuid"

	"github.com/arcuru/pokem/lib/ref"
	"github.com/arcuru/pokem/messaging"
)

// Event is anything the chat session surfaces to the engine's event
// loop. Exactly three kinds exist: InviteEvent, MessageEvent, and
// SendAckEvent.
type Event interface {
	isEvent()
}

// InviteEvent reports that the bot was invited to a room.
type InviteEvent struct {
	RoomID ref.RoomID
	Sender ref.UserID

	// MemberCount is the room's member count if the invite state
	// carried enough to know it, otherwise 0 (the admitter queries
	// membership itself in that case).
	MemberCount int
}

func (InviteEvent) isEvent() {}

// MessageEvent is a message observed in a joined room.
type MessageEvent struct {
	RoomID ref.RoomID
	Sender ref.UserID
	Body   string
}

func (MessageEvent) isEvent() {}

// SendAckEvent confirms (or denies) an outbound send issued via
// ChatSession.Send. Err is nil on successful delivery.
type SendAckEvent struct {
	CorrelationID uuid.UUID
	Err           error
}

func (SendAckEvent) isEvent() {}

// ChatSession is the relay's view of the federated chat connection.
// One authenticated session exists per process. MatrixSession is the
// production implementation; tests use fakes.
//
// Send is asynchronous: it must not block on network I/O, and the
// outcome arrives later as a SendAckEvent on Events carrying the same
// correlation ID.
type ChatSession interface {
	// UserID is the bot's own fully-qualified user ID.
	UserID() ref.UserID

	// Events is the stream consumed by Engine.Run. Closed when the
	// session's Run loop exits.
	Events() <-chan Event

	// Send issues an asynchronous message send. The result is emitted
	// as a SendAckEvent with the given correlation ID.
	Send(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent, correlationID uuid.UUID)

	// Join accepts an invite (or joins an already-invited room).
	Join(ctx context.Context, roomID ref.RoomID) error

	// Leave declines an invite or leaves a joined room.
	Leave(ctx context.Context, roomID ref.RoomID) error

	// ResolveAlias resolves a room alias to a room ID.
	ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error)

	// MemberCount returns the number of joined members in a room.
	MemberCount(ctx context.Context, roomID ref.RoomID) (int, error)
}
