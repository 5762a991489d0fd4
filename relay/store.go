// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/arcuru/pokem/lib/ref"
	"github.com/arcuru/pokem/lib/sqlitepool"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS security_records (
	room_id    TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	set_by     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS room_state (
	room_id      TEXT PRIMARY KEY,
	member_count INTEGER NOT NULL,
	admission    TEXT NOT NULL,
	blocked      INTEGER NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Session state keys.
const (
	sessionKeyUserID      = "user_id"
	sessionKeyDeviceID    = "device_id"
	sessionKeyAccessToken = "access_token"
	sessionKeyNextBatch   = "next_batch"
)

// StoredSession is the persisted Matrix session material.
type StoredSession struct {
	UserID      ref.UserID
	DeviceID    string
	AccessToken string
}

// StoreConfig holds the parameters for opening a Store.
type StoreConfig struct {
	// Path is the SQLite database file path. Required.
	Path string

	// PoolSize overrides the connection pool size. Zero uses the
	// pool's default.
	PoolSize int

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Store is the daemon's durable state: the security-record mirror
// (tokens, admission decisions) and the session material needed to
// resume across restarts (access token, /sync position).
//
// Store implements MirrorStore. It is safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the state database at cfg.Path.
// The caller must call Close when done.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("relay: store Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("relay: opening store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// SaveToken implements MirrorStore.
func (s *Store) SaveToken(ctx context.Context, roomID ref.RoomID, token string, setBy ref.UserID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO security_records (room_id, token, set_by, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET
			token = excluded.token,
			set_by = excluded.set_by,
			updated_at = excluded.updated_at
	`, &sqlitex.ExecOptions{
		Args: []any{roomID.String(), token, setBy.String(), time.Now().Unix()},
	})
	if err != nil {
		return fmt.Errorf("relay: saving token for %s: %w", roomID, err)
	}
	return nil
}

// SaveRoomState implements MirrorStore.
func (s *Store) SaveRoomState(ctx context.Context, roomID ref.RoomID, memberCount int, admission Admission) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO room_state (room_id, member_count, admission, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET
			member_count = excluded.member_count,
			admission = excluded.admission,
			updated_at = excluded.updated_at
	`, &sqlitex.ExecOptions{
		Args: []any{roomID.String(), memberCount, string(admission), time.Now().Unix()},
	})
	if err != nil {
		return fmt.Errorf("relay: saving room state for %s: %w", roomID, err)
	}
	return nil
}

// SaveBlocked implements MirrorStore.
func (s *Store) SaveBlocked(ctx context.Context, roomID ref.RoomID, blocked bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	blockedInt := 0
	if blocked {
		blockedInt = 1
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO room_state (room_id, member_count, admission, blocked, updated_at)
		VALUES (?, 0, '', ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET
			blocked = excluded.blocked,
			updated_at = excluded.updated_at
	`, &sqlitex.ExecOptions{
		Args: []any{roomID.String(), blockedInt, time.Now().Unix()},
	})
	if err != nil {
		return fmt.Errorf("relay: saving blocked flag for %s: %w", roomID, err)
	}
	return nil
}

// LoadRooms implements MirrorStore. Security records and room state
// are merged into one record per room.
func (s *Store) LoadRooms(ctx context.Context) (map[ref.RoomID]RoomRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	rooms := make(map[ref.RoomID]RoomRecord)

	err = sqlitex.Execute(conn, `SELECT room_id, token, set_by FROM security_records`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("corrupt room_id in security_records: %w", err)
			}
			record := rooms[roomID]
			record.Token = stmt.ColumnText(1)
			if raw := stmt.ColumnText(2); raw != "" {
				setBy, err := ref.ParseUserID(raw)
				if err != nil {
					return fmt.Errorf("corrupt set_by in security_records: %w", err)
				}
				record.SetBy = setBy
			}
			rooms[roomID] = record
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("relay: loading security records: %w", err)
	}

	err = sqlitex.Execute(conn, `SELECT room_id, member_count, admission, blocked FROM room_state`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("corrupt room_id in room_state: %w", err)
			}
			record := rooms[roomID]
			record.MemberCount = stmt.ColumnInt(1)
			record.Admission = Admission(stmt.ColumnText(2))
			record.Blocked = stmt.ColumnInt(3) != 0
			rooms[roomID] = record
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("relay: loading room state: %w", err)
	}

	return rooms, nil
}

// SaveSession persists the session material for resume across restarts.
func (s *Store) SaveSession(ctx context.Context, session StoredSession) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	pairs := map[string]string{
		sessionKeyUserID:      session.UserID.String(),
		sessionKeyDeviceID:    session.DeviceID,
		sessionKeyAccessToken: session.AccessToken,
	}
	for key, value := range pairs {
		if err := s.setValue(conn, key, value); err != nil {
			return err
		}
	}
	return nil
}

// LoadSession returns the persisted session material. ok is false when
// no session has been saved yet.
func (s *Store) LoadSession(ctx context.Context) (session StoredSession, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return StoredSession{}, false, err
	}
	defer s.pool.Put(conn)

	rawUserID, err := s.getValue(conn, sessionKeyUserID)
	if err != nil {
		return StoredSession{}, false, err
	}
	token, err := s.getValue(conn, sessionKeyAccessToken)
	if err != nil {
		return StoredSession{}, false, err
	}
	if rawUserID == "" || token == "" {
		return StoredSession{}, false, nil
	}

	userID, err := ref.ParseUserID(rawUserID)
	if err != nil {
		return StoredSession{}, false, fmt.Errorf("relay: corrupt stored user ID: %w", err)
	}
	deviceID, err := s.getValue(conn, sessionKeyDeviceID)
	if err != nil {
		return StoredSession{}, false, err
	}

	return StoredSession{
		UserID:      userID,
		DeviceID:    deviceID,
		AccessToken: token,
	}, true, nil
}

// ClearSession removes the persisted session material. Called when a
// stored token turns out to be revoked, so the next startup falls back
// to password login instead of retrying a dead token.
func (s *Store) ClearSession(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM session_state WHERE key IN (?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{sessionKeyUserID, sessionKeyDeviceID, sessionKeyAccessToken},
	})
	if err != nil {
		return fmt.Errorf("relay: clearing session: %w", err)
	}
	return nil
}

// SaveNextBatch persists the /sync position.
func (s *Store) SaveNextBatch(ctx context.Context, nextBatch string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return s.setValue(conn, sessionKeyNextBatch, nextBatch)
}

// LoadNextBatch returns the persisted /sync position, or "" when none
// has been saved (first run).
func (s *Store) LoadNextBatch(ctx context.Context) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)
	return s.getValue(conn, sessionKeyNextBatch)
}

func (s *Store) setValue(conn *sqlite.Conn, key, value string) error {
	err := sqlitex.Execute(conn, `
		INSERT INTO session_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, &sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		return fmt.Errorf("relay: setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) getValue(conn *sqlite.Conn, key string) (string, error) {
	var value string
	err := sqlitex.Execute(conn, `SELECT value FROM session_state WHERE key = ?`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("relay: getting %s: %w", key, err)
	}
	return value, nil
}
