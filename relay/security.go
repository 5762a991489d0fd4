// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arcuru/pokem/lib/ref"
)

// Admission records the outcome of an invite decision for a room.
type Admission string

const (
	// AdmissionNone means no invite decision has been recorded.
	AdmissionNone Admission = ""
	// AdmissionAccepted means the bot joined the room.
	AdmissionAccepted Admission = "accepted"
	// AdmissionRejected means the bot declined the invite.
	AdmissionRejected Admission = "rejected"
)

// RoomRecord is the per-room security and membership state.
type RoomRecord struct {
	// Token is the room's auth token. Empty means the room is open:
	// requests need no token.
	Token string

	// SetBy is the user who last changed the token. Zero when the
	// token came from nowhere (never set) or was set before the
	// mirror recorded setters.
	SetBy ref.UserID

	// MemberCount is the member count last observed for the room.
	MemberCount int

	// Admission is the recorded invite decision.
	Admission Admission

	// Blocked suppresses relaying into the room. Toggled by the
	// in-room block/unblock commands.
	Blocked bool
}

// MirrorStore is the durable mirror behind SecurityState. Store is the
// production implementation; tests use fakes.
type MirrorStore interface {
	// SaveToken persists a room's token. An empty token means the
	// token was cleared.
	SaveToken(ctx context.Context, roomID ref.RoomID, token string, setBy ref.UserID) error

	// SaveRoomState persists a room's member count and admission
	// decision.
	SaveRoomState(ctx context.Context, roomID ref.RoomID, memberCount int, admission Admission) error

	// SaveBlocked persists a room's relay-blocked flag.
	SaveBlocked(ctx context.Context, roomID ref.RoomID, blocked bool) error

	// LoadRooms returns every room record in the mirror.
	LoadRooms(ctx context.Context) (map[ref.RoomID]RoomRecord, error)
}

// SecurityState holds per-room tokens and admission state in memory,
// mirrored durably through a MirrorStore.
//
// Every mutation writes the mirror FIRST and applies to memory only
// after the write succeeds. A change that was not persisted is
// therefore never visible — and never confirmed to the user who
// requested it.
//
// SecurityState is safe for concurrent use; critical sections are
// short and never suspend on I/O while holding the lock beyond the
// mirror write itself.
type SecurityState struct {
	store  MirrorStore
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[ref.RoomID]RoomRecord
}

// NewSecurityState constructs an empty SecurityState over the given
// mirror. Call Load to populate it from the mirror.
func NewSecurityState(store MirrorStore, logger *slog.Logger) *SecurityState {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityState{
		store:  store,
		logger: logger,
		rooms:  make(map[ref.RoomID]RoomRecord),
	}
}

// Load replaces the in-memory state with the mirror's contents.
// Called once at startup, before the daemon serves anything.
func (s *SecurityState) Load(ctx context.Context) error {
	rooms, err := s.store.LoadRooms(ctx)
	if err != nil {
		return fmt.Errorf("loading security state: %w", err)
	}

	s.mu.Lock()
	s.rooms = make(map[ref.RoomID]RoomRecord, len(rooms))
	for roomID, record := range rooms {
		s.rooms[roomID] = record
	}
	s.mu.Unlock()

	s.logger.Info("security state loaded", "rooms", len(rooms))
	return nil
}

// Record returns the room's record and whether one exists.
func (s *SecurityState) Record(roomID ref.RoomID) (RoomRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.rooms[roomID]
	return record, ok
}

// Authorize checks a presented token against the room's state.
// Rooms with no token (or no record at all) admit everything. The
// comparison is exact and case-sensitive.
func (s *SecurityState) Authorize(roomID ref.RoomID, presented string) error {
	s.mu.Lock()
	token := s.rooms[roomID].Token
	s.mu.Unlock()

	switch {
	case token == "":
		return nil
	case presented == "":
		return ErrAuthRequired
	case presented != token:
		return ErrAuthMismatch
	}
	return nil
}

// Blocked reports whether relaying into the room is suppressed.
func (s *SecurityState) Blocked(roomID ref.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID].Blocked
}

// SetBlocked sets or clears a room's relay-blocked flag. Mirror first,
// memory after; setting the flag to its current value is a no-op that
// still succeeds.
func (s *SecurityState) SetBlocked(ctx context.Context, roomID ref.RoomID, blocked bool) error {
	if err := s.store.SaveBlocked(ctx, roomID, blocked); err != nil {
		return fmt.Errorf("persisting blocked flag for %s: %w", roomID, err)
	}

	s.mu.Lock()
	record := s.rooms[roomID]
	record.Blocked = blocked
	s.rooms[roomID] = record
	s.mu.Unlock()

	s.logger.Info("room blocked flag updated",
		"room_id", roomID,
		"blocked", blocked,
	)
	return nil
}

// SetToken sets or clears (empty token) a room's auth token. The
// mirror write happens first; on failure the in-memory state is
// untouched and the error is returned so the caller does not confirm
// the change.
func (s *SecurityState) SetToken(ctx context.Context, roomID ref.RoomID, token string, setBy ref.UserID) error {
	if err := s.store.SaveToken(ctx, roomID, token, setBy); err != nil {
		return fmt.Errorf("persisting token for %s: %w", roomID, err)
	}

	s.mu.Lock()
	record := s.rooms[roomID]
	record.Token = token
	record.SetBy = setBy
	s.rooms[roomID] = record
	s.mu.Unlock()

	s.logger.Info("room token updated",
		"room_id", roomID,
		"cleared", token == "",
		"set_by", setBy,
	)
	return nil
}

// SetAdmission records an invite decision and the member count
// observed when it was made. Mirror first, memory after.
func (s *SecurityState) SetAdmission(ctx context.Context, roomID ref.RoomID, memberCount int, admission Admission) error {
	if err := s.store.SaveRoomState(ctx, roomID, memberCount, admission); err != nil {
		return fmt.Errorf("persisting room state for %s: %w", roomID, err)
	}

	s.mu.Lock()
	record := s.rooms[roomID]
	record.MemberCount = memberCount
	record.Admission = admission
	s.rooms[roomID] = record
	s.mu.Unlock()
	return nil
}
