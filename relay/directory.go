// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/arcuru/pokem/lib/ref"
	"github.com/arcuru/pokem/messaging"
)

// Resolution is the result of resolving a room reference.
type Resolution struct {
	RoomID ref.RoomID

	// Urgent is true when the urgent variant of the room was used
	// (the "<name>-urgent" alias existed and resolved). When an urgent
	// request falls back to the base room, Urgent is false and the
	// caller compensates with an @room mention instead.
	Urgent bool
}

// DirectoryConfig holds the parameters for constructing a Directory.
type DirectoryConfig struct {
	// Names maps configured short names to room references (room IDs,
	// full aliases, or bare alias localparts). Lookups here win over
	// every other resolution step.
	Names map[string]string

	// ServerName completes bare alias localparts ("ops" becomes
	// "#ops:<ServerName>"). Required.
	ServerName string

	// Session resolves aliases against the homeserver. Required.
	Session ChatSession

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Directory resolves room references — configured short names, literal
// room IDs, and room aliases — to room IDs. Alias resolutions are
// cached for the life of the process; the configured name table is
// never remapped at runtime.
//
// Directory is safe for concurrent use.
type Directory struct {
	names   map[string]string
	server  string
	session ChatSession
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[ref.RoomAlias]ref.RoomID
}

// NewDirectory constructs a Directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("relay: directory ServerName is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("relay: directory Session is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	names := make(map[string]string, len(cfg.Names))
	for name, room := range cfg.Names {
		names[name] = room
	}
	return &Directory{
		names:   names,
		server:  cfg.ServerName,
		session: cfg.Session,
		logger:  logger,
		cache:   make(map[ref.RoomAlias]ref.RoomID),
	}, nil
}

// Resolve maps a room reference to a room ID. An empty reference means
// the configured "default" room. When urgent is true, the urgent
// variant ("<name>-urgent") is tried first and the base room is the
// fallback.
//
// Returns ErrUnresolvedRoom (wrapped with the reference) when nothing
// matches.
func (d *Directory) Resolve(ctx context.Context, reference string, urgent bool) (Resolution, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		reference = "default"
	}

	if urgent {
		// References with no distinct urgent form (literal room IDs)
		// skip the urgent pass; resolving the base room here would
		// falsely report an urgent room and lose the mention fallback.
		if variant := urgentVariant(reference); variant != reference {
			roomID, err := d.resolveOne(ctx, variant)
			if err == nil {
				return Resolution{RoomID: roomID, Urgent: true}, nil
			}
		}
	}

	roomID, err := d.resolveOne(ctx, reference)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{RoomID: roomID}, nil
}

// resolveOne performs a single resolution pass: configured name table,
// literal room ID, then alias lookup.
func (d *Directory) resolveOne(ctx context.Context, reference string) (ref.RoomID, error) {
	if target, ok := d.names[reference]; ok {
		// Configured values are themselves references, but only one
		// level deep: a room ID, an alias, or a bare localpart.
		reference = target
	}

	if strings.HasPrefix(reference, "!") {
		roomID, err := ref.ParseRoomID(reference)
		if err != nil {
			return ref.RoomID{}, fmt.Errorf("%w: %q: %v", ErrUnresolvedRoom, reference, err)
		}
		return roomID, nil
	}

	alias, err := d.completeAlias(reference)
	if err != nil {
		return ref.RoomID{}, err
	}
	return d.resolveAlias(ctx, alias)
}

// completeAlias turns a possibly-partial alias reference into a full
// one. Bare names get the '#' sigil; names without a server get the
// bot's server. This is the URL-ergonomics rule: "ops" in a request
// path means "#ops:<server>".
func (d *Directory) completeAlias(reference string) (ref.RoomAlias, error) {
	if !strings.HasPrefix(reference, "#") {
		reference = "#" + reference
	}
	if !strings.Contains(reference[1:], ":") {
		reference = reference + ":" + d.server
	}
	alias, err := ref.ParseRoomAlias(reference)
	if err != nil {
		return ref.RoomAlias{}, fmt.Errorf("%w: %q: %v", ErrUnresolvedRoom, reference, err)
	}
	return alias, nil
}

func (d *Directory) resolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	d.mu.Lock()
	cached, ok := d.cache[alias]
	d.mu.Unlock()
	if ok {
		return cached, nil
	}

	roomID, err := d.session.ResolveAlias(ctx, alias)
	if err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			return ref.RoomID{}, fmt.Errorf("%w: %q", ErrUnresolvedRoom, alias.String())
		}
		return ref.RoomID{}, fmt.Errorf("resolving alias %q: %w", alias.String(), err)
	}

	d.mu.Lock()
	d.cache[alias] = roomID
	d.mu.Unlock()

	d.logger.Debug("resolved room alias",
		"alias", alias,
		"room_id", roomID,
	)
	return roomID, nil
}

// urgentVariant derives the urgent form of a reference: "ops" becomes
// "ops-urgent", "#ops:example.org" becomes "#ops-urgent:example.org".
// Literal room IDs have no urgent variant; the caller's fallback to
// the base room handles them.
func urgentVariant(reference string) string {
	if strings.HasPrefix(reference, "!") {
		return reference
	}
	if strings.HasPrefix(reference, "#") {
		if alias, err := ref.ParseRoomAlias(reference); err == nil {
			return "#" + alias.Localpart() + "-urgent:" + alias.Server()
		}
		return reference
	}
	if localpart, server, found := strings.Cut(reference, ":"); found {
		return localpart + "-urgent:" + server
	}
	return reference + "-urgent"
}
