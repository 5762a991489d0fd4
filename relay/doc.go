// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay bridges HTTP notification requests into Matrix rooms.
//
// The Engine is the center: it resolves room references through the
// Directory, enforces per-room auth tokens held by SecurityState,
// formats message bodies, and sends through a ChatSession, blocking
// each HTTP request until the corresponding delivery acknowledgement
// arrives (or the ack timeout fires).
//
// A single event loop (Engine.Run) consumes everything the chat side
// produces: room invites go to the Admitter, in-room messages to the
// Commander, and send acknowledgements to the waiter registered by the
// delivering request. MatrixSession is the production ChatSession,
// driving the homeserver /sync long-poll; tests substitute fakes.
package relay
