// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/arcuru/pokem/lib/ref"
	"github.com/arcuru/pokem/messaging"
)

// sentMessage records one Send call on the fake session.
type sentMessage struct {
	roomID        ref.RoomID
	content       messaging.MessageContent
	correlationID uuid.UUID
}

// fakeSession is an in-memory ChatSession. Sends are recorded and,
// when autoAck is set, acknowledged straight onto the event channel
// with ackErr as the outcome.
type fakeSession struct {
	userID  ref.UserID
	events  chan Event
	autoAck bool
	ackErr  error

	aliases      map[string]ref.RoomID
	memberCounts map[ref.RoomID]int
	joinErr      error
	leaveErr     error
	memberErr    error

	mu           sync.Mutex
	sends        []sentMessage
	joined       []ref.RoomID
	left         []ref.RoomID
	resolveCalls int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		userID:       ref.MustParseUserID("@pokem:example.org"),
		events:       make(chan Event, 16),
		autoAck:      true,
		aliases:      make(map[string]ref.RoomID),
		memberCounts: make(map[ref.RoomID]int),
	}
}

func (f *fakeSession) UserID() ref.UserID   { return f.userID }
func (f *fakeSession) Events() <-chan Event { return f.events }

func (f *fakeSession) Send(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent, correlationID uuid.UUID) {
	f.mu.Lock()
	f.sends = append(f.sends, sentMessage{roomID: roomID, content: content, correlationID: correlationID})
	f.mu.Unlock()
	if f.autoAck {
		f.events <- SendAckEvent{CorrelationID: correlationID, Err: f.ackErr}
	}
}

func (f *fakeSession) Join(ctx context.Context, roomID ref.RoomID) error {
	f.mu.Lock()
	f.joined = append(f.joined, roomID)
	f.mu.Unlock()
	return f.joinErr
}

func (f *fakeSession) Leave(ctx context.Context, roomID ref.RoomID) error {
	f.mu.Lock()
	f.left = append(f.left, roomID)
	f.mu.Unlock()
	return f.leaveErr
}

func (f *fakeSession) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	f.mu.Lock()
	f.resolveCalls++
	roomID, ok := f.aliases[alias.String()]
	f.mu.Unlock()
	if !ok {
		return ref.RoomID{}, &messaging.MatrixError{
			Code:       messaging.ErrCodeNotFound,
			Message:    "room alias not found",
			StatusCode: 404,
		}
	}
	return roomID, nil
}

func (f *fakeSession) MemberCount(ctx context.Context, roomID ref.RoomID) (int, error) {
	if f.memberErr != nil {
		return 0, f.memberErr
	}
	return f.memberCounts[roomID], nil
}

func (f *fakeSession) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sends...)
}

func (f *fakeSession) joinedRooms() []ref.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ref.RoomID(nil), f.joined...)
}

func (f *fakeSession) leftRooms() []ref.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ref.RoomID(nil), f.left...)
}

// fakeMirror is an in-memory MirrorStore with optional forced failure.
type fakeMirror struct {
	mu      sync.Mutex
	rooms   map[ref.RoomID]RoomRecord
	failing bool
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{rooms: make(map[ref.RoomID]RoomRecord)}
}

func (f *fakeMirror) SaveToken(ctx context.Context, roomID ref.RoomID, token string, setBy ref.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errStoreDown
	}
	record := f.rooms[roomID]
	record.Token = token
	record.SetBy = setBy
	f.rooms[roomID] = record
	return nil
}

func (f *fakeMirror) SaveRoomState(ctx context.Context, roomID ref.RoomID, memberCount int, admission Admission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errStoreDown
	}
	record := f.rooms[roomID]
	record.MemberCount = memberCount
	record.Admission = admission
	f.rooms[roomID] = record
	return nil
}

func (f *fakeMirror) SaveBlocked(ctx context.Context, roomID ref.RoomID, blocked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errStoreDown
	}
	record := f.rooms[roomID]
	record.Blocked = blocked
	f.rooms[roomID] = record
	return nil
}

func (f *fakeMirror) LoadRooms(ctx context.Context) (map[ref.RoomID]RoomRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errStoreDown
	}
	rooms := make(map[ref.RoomID]RoomRecord, len(f.rooms))
	for roomID, record := range f.rooms {
		rooms[roomID] = record
	}
	return rooms, nil
}
