// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is a minimal Matrix client-server API client.
//
// Client is the unauthenticated entry point: it holds the homeserver
// URL and HTTP transport. Login and SessionFromToken produce a
// DirectSession, which carries the access token (in locked memory) and
// exposes the API calls the relay needs: sync long-polling, message
// sends with idempotent transaction IDs, room membership, and alias
// resolution.
package messaging
