// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "errors"

// Sentinel errors for the relay pipeline. The HTTP layer maps these to
// status codes; everything else surfaces as an internal error.
var (
	// ErrUnresolvedRoom means the room reference did not match a
	// configured name, a literal room ID, or a resolvable alias.
	ErrUnresolvedRoom = errors.New("room reference could not be resolved")

	// ErrAuthRequired means the target room has a token set and the
	// request supplied none.
	ErrAuthRequired = errors.New("room requires an authentication token")

	// ErrAuthMismatch means the supplied token does not match the
	// room's token.
	ErrAuthMismatch = errors.New("authentication token does not match")

	// ErrRoomBlocked means relaying into the target room has been
	// switched off with the in-room block command.
	ErrRoomBlocked = errors.New("relaying to room is blocked")

	// ErrEmptyMessage means the request carried no message content
	// after trimming.
	ErrEmptyMessage = errors.New("empty message")

	// ErrDeliveryFailed means the send was issued but not confirmed:
	// the chat backend reported an error or the ack timeout fired.
	ErrDeliveryFailed = errors.New("message delivery failed")
)
