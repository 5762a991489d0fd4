// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides locked memory buffers for sensitive values.
//
// The Matrix password and access token pass through pokem on every
// restart and every API call. Holding them in ordinary Go strings means
// they can be swapped to disk or captured in a core dump. Buffer stores
// them in anonymous mmap'd pages that are mlock'd (never swapped) and
// marked MADV_DONTDUMP (excluded from core dumps), and zeroes the pages
// on Close.
package secret
