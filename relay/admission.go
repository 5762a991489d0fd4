// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
)

// AdmitterConfig holds the parameters for constructing an Admitter.
type AdmitterConfig struct {
	// AllowList is matched against the full user ID of the inviter.
	// Nil admits every inviter.
	AllowList *regexp.Regexp

	// SizeCeiling caps the member count of rooms the bot joins.
	// Zero means unlimited. The check happens at invite time only.
	SizeCeiling int

	// Session performs the join/decline and membership queries. Required.
	Session ChatSession

	// Security records the admission decision. Required.
	Security *SecurityState

	// Welcome is the message sent into a room after joining. Empty
	// skips the welcome.
	Welcome string

	// Formatter renders the welcome message. Required when Welcome is
	// set.
	Formatter *Formatter

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Admitter decides what to do with room invites: join when the inviter
// passes the allow list and the room is under the size ceiling,
// decline otherwise. Decisions are recorded in SecurityState; rejected
// invites are never visible to HTTP callers.
type Admitter struct {
	allowList *regexp.Regexp
	ceiling   int
	session   ChatSession
	security  *SecurityState
	welcome   string
	formatter *Formatter
	logger    *slog.Logger
}

// NewAdmitter constructs an Admitter.
func NewAdmitter(cfg AdmitterConfig) *Admitter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Admitter{
		allowList: cfg.AllowList,
		ceiling:   cfg.SizeCeiling,
		session:   cfg.Session,
		security:  cfg.Security,
		welcome:   cfg.Welcome,
		formatter: cfg.Formatter,
		logger:    logger,
	}
}

// HandleInvite processes one invite event. Failures are logged, never
// propagated — a broken invite must not disturb the event loop.
func (a *Admitter) HandleInvite(ctx context.Context, invite InviteEvent) {
	logger := a.logger.With("room_id", invite.RoomID, "inviter", invite.Sender)

	if record, ok := a.security.Record(invite.RoomID); ok && record.Admission == AdmissionAccepted {
		// Already joined; a re-invite can happen after a restart or a
		// kick/re-invite cycle. Joining again is idempotent.
		if err := a.session.Join(ctx, invite.RoomID); err != nil {
			logger.Warn("re-join after repeated invite failed", "error", err)
		}
		return
	}

	if a.allowList != nil && !a.allowList.MatchString(invite.Sender.String()) {
		logger.Info("invite rejected: inviter not in allow list")
		a.decline(ctx, invite, logger)
		return
	}

	memberCount := invite.MemberCount
	if a.ceiling > 0 {
		if memberCount == 0 {
			count, err := a.session.MemberCount(ctx, invite.RoomID)
			if err != nil {
				// Can't verify the ceiling. Reject: an unverifiable
				// room must not slip past the configured cap.
				logger.Warn("invite rejected: member count unavailable", "error", err)
				a.decline(ctx, invite, logger)
				return
			}
			memberCount = count
		}
		if memberCount > a.ceiling {
			logger.Info("invite rejected: room over size ceiling",
				"member_count", memberCount,
				"ceiling", a.ceiling,
			)
			a.decline(ctx, invite, logger)
			return
		}
	}

	if err := a.session.Join(ctx, invite.RoomID); err != nil {
		logger.Error("joining room failed", "error", err)
		return
	}
	if err := a.security.SetAdmission(ctx, invite.RoomID, memberCount, AdmissionAccepted); err != nil {
		logger.Error("recording admission failed", "error", err)
	}
	logger.Info("invite accepted", "member_count", memberCount)

	if a.welcome != "" && a.formatter != nil {
		content := a.formatter.Message(a.welcome, FormatMarkdown)
		a.session.Send(ctx, invite.RoomID, content, uuid.New())
	}
}

// decline leaves the invited room (an explicit decline, so the inviter
// sees the refusal) and records the rejection.
func (a *Admitter) decline(ctx context.Context, invite InviteEvent, logger *slog.Logger) {
	if err := a.session.Leave(ctx, invite.RoomID); err != nil {
		logger.Warn("declining invite failed", "error", err)
	}
	if err := a.security.SetAdmission(ctx, invite.RoomID, invite.MemberCount, AdmissionRejected); err != nil {
		logger.Error("recording rejection failed", "error", err)
	}
}
