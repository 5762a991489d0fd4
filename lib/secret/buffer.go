// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds a sensitive byte string in memory that is locked against
// swapping and excluded from core dumps. The pages are zeroed when the
// buffer is closed.
//
// Buffer is safe for concurrent use. After Close, all accessors return
// empty values.
type Buffer struct {
	mu     sync.Mutex
	pages  []byte // the full mmap'd region, page-aligned
	length int    // bytes of secret data at the start of pages
	closed bool
}

// New allocates a locked buffer holding a copy of data. The caller
// retains ownership of data and should zero it if it is itself
// sensitive.
func New(data []byte) (*Buffer, error) {
	size := len(data)
	if size == 0 {
		return &Buffer{}, nil
	}

	pages, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	if err := unix.Mlock(pages); err != nil {
		unix.Munmap(pages)
		return nil, fmt.Errorf("mlock: %w", err)
	}
	// Best effort: not all kernels support MADV_DONTDUMP, and mlock
	// already gives the important guarantee.
	_ = unix.Madvise(pages, unix.MADV_DONTDUMP)

	copy(pages, data)
	return &Buffer{pages: pages, length: size}, nil
}

// NewFromString allocates a locked buffer holding a copy of s.
func NewFromString(s string) (*Buffer, error) {
	return New([]byte(s))
}

// String returns the secret as a string. The returned string is an
// ordinary Go string copy; callers should keep its lifetime short.
// Returns "" after Close.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.length == 0 {
		return ""
	}
	return string(b.pages[:b.length])
}

// Len returns the length of the secret in bytes, or 0 after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	return b.length
}

// Close zeroes the secret and releases the locked pages. Close is
// idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if len(b.pages) == 0 {
		return nil
	}
	for i := range b.pages {
		b.pages[i] = 0
	}
	pages := b.pages
	b.pages = nil
	b.length = 0
	if err := unix.Munmap(pages); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
