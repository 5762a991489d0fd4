// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated Matrix identifier types.
//
// Raw identifier strings from configuration, HTTP paths, and Matrix API
// responses are parsed into these types at the boundary. Past the
// boundary, code passes the value types around and never re-validates.
// All types are immutable; the zero value of each is invalid and can be
// detected with IsZero.
package ref
