// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import "testing"

func TestBuffer(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		b, err := NewFromString("syt_access_token_value")
		if err != nil {
			t.Fatalf("NewFromString: %v", err)
		}
		defer b.Close()
		if got := b.String(); got != "syt_access_token_value" {
			t.Errorf("String() = %q, want original value", got)
		}
		if got := b.Len(); got != len("syt_access_token_value") {
			t.Errorf("Len() = %d, want %d", got, len("syt_access_token_value"))
		}
	})

	t.Run("caller retains ownership of input", func(t *testing.T) {
		data := []byte("hunter2")
		b, err := New(data)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer b.Close()
		// Mutating the caller's slice must not affect the buffer.
		for i := range data {
			data[i] = 'x'
		}
		if got := b.String(); got != "hunter2" {
			t.Errorf("String() = %q after mutating input, want %q", got, "hunter2")
		}
	})

	t.Run("empty", func(t *testing.T) {
		b, err := New(nil)
		if err != nil {
			t.Fatalf("New(nil): %v", err)
		}
		if got := b.String(); got != "" {
			t.Errorf("String() = %q, want empty", got)
		}
		if err := b.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		b, err := NewFromString("secret")
		if err != nil {
			t.Fatalf("NewFromString: %v", err)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("first Close: %v", err)
		}
		if err := b.Close(); err != nil {
			t.Errorf("second Close: %v", err)
		}
		if got := b.String(); got != "" {
			t.Errorf("String() after Close = %q, want empty", got)
		}
		if got := b.Len(); got != 0 {
			t.Errorf("Len() after Close = %d, want 0", got)
		}
	})
}
