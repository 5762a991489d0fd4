// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arcuru/pokem/lib/ref"
)

// startEngine builds an Engine over the fakes and runs its event loop
// until the test ends.
func startEngine(t *testing.T, session *fakeSession, security *SecurityState, ackTimeout time.Duration) *Engine {
	t.Helper()
	directory, err := NewDirectory(DirectoryConfig{
		ServerName: "example.org",
		Session:    session,
	})
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	engine, err := NewEngine(EngineConfig{
		Directory:  directory,
		Security:   security,
		Formatter:  NewFormatter(FormatMarkdown, nil),
		Session:    session,
		AckTimeout: ackTimeout,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return engine
}

func TestEngineDeliver(t *testing.T) {
	ctx := context.Background()
	opsRoom := ref.MustParseRoomID("!abc:example.org")

	session := newFakeSession()
	session.aliases["#ops:example.org"] = opsRoom
	security := NewSecurityState(newFakeMirror(), nil)
	engine := startEngine(t, session, security, time.Second)

	err := engine.Deliver(ctx, Request{Room: "ops", Message: "deploy finished"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	sends := session.sentMessages()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	if sends[0].roomID != opsRoom {
		t.Errorf("sent to %v, want %v", sends[0].roomID, opsRoom)
	}
	if sends[0].content.Body != "deploy finished" {
		t.Errorf("body = %q", sends[0].content.Body)
	}
	if sends[0].content.FormattedBody == "" {
		t.Error("markdown default did not produce formatted body")
	}
}

func TestEngineDeliverTitle(t *testing.T) {
	ctx := context.Background()
	opsRoom := ref.MustParseRoomID("!abc:example.org")

	session := newFakeSession()
	session.aliases["#ops:example.org"] = opsRoom
	engine := startEngine(t, session, NewSecurityState(newFakeMirror(), nil), time.Second)

	if err := engine.Deliver(ctx, Request{Room: "ops", Title: "Deploy", Message: "finished"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	sends := session.sentMessages()
	if got := sends[0].content.Body; got != "**Deploy**\n\nfinished" {
		t.Errorf("body = %q", got)
	}
	if !strings.Contains(sends[0].content.FormattedBody, "<strong>Deploy</strong>") {
		t.Errorf("formatted body = %q", sends[0].content.FormattedBody)
	}
}

func TestEngineDeliverAuth(t *testing.T) {
	ctx := context.Background()
	opsRoom := ref.MustParseRoomID("!abc:example.org")
	alice := ref.MustParseUserID("@alice:example.org")

	session := newFakeSession()
	session.aliases["#ops:example.org"] = opsRoom
	security := NewSecurityState(newFakeMirror(), nil)
	if err := security.SetToken(ctx, opsRoom, "hunter2", alice); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	engine := startEngine(t, session, security, time.Second)

	t.Run("missing token", func(t *testing.T) {
		err := engine.Deliver(ctx, Request{Room: "ops", Message: "hi"})
		if !errors.Is(err, ErrAuthRequired) {
			t.Errorf("error = %v, want ErrAuthRequired", err)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		// Prefixes and extensions of the real token must fail too;
		// only an exact match passes.
		for _, presented := range []string{"hunter3", "hunter2x", "hunter", "Hunter2"} {
			err := engine.Deliver(ctx, Request{Room: "ops", Message: "hi", AuthToken: presented})
			if !errors.Is(err, ErrAuthMismatch) {
				t.Errorf("token %q: error = %v, want ErrAuthMismatch", presented, err)
			}
		}
	})

	if sends := session.sentMessages(); len(sends) != 0 {
		t.Fatalf("unauthorized requests reached the room: %d sends", len(sends))
	}

	t.Run("correct token", func(t *testing.T) {
		if err := engine.Deliver(ctx, Request{Room: "ops", Message: "hi", AuthToken: "hunter2"}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		if sends := session.sentMessages(); len(sends) != 1 {
			t.Errorf("sends = %d, want 1", len(sends))
		}
	})
}

func TestEngineDeliverValidation(t *testing.T) {
	ctx := context.Background()
	session := newFakeSession()
	engine := startEngine(t, session, NewSecurityState(newFakeMirror(), nil), time.Second)

	t.Run("empty message", func(t *testing.T) {
		err := engine.Deliver(ctx, Request{Room: "ops", Message: "   \n"})
		if !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("error = %v, want ErrEmptyMessage", err)
		}
	})

	t.Run("unresolved room", func(t *testing.T) {
		err := engine.Deliver(ctx, Request{Room: "nowhere", Message: "hi"})
		if !errors.Is(err, ErrUnresolvedRoom) {
			t.Errorf("error = %v, want ErrUnresolvedRoom", err)
		}
	})

	if sends := session.sentMessages(); len(sends) != 0 {
		t.Errorf("invalid requests caused sends: %d", len(sends))
	}
}

func TestEngineDeliverBlocked(t *testing.T) {
	ctx := context.Background()
	opsRoom := ref.MustParseRoomID("!abc:example.org")

	session := newFakeSession()
	session.aliases["#ops:example.org"] = opsRoom
	security := NewSecurityState(newFakeMirror(), nil)
	if err := security.SetBlocked(ctx, opsRoom, true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	engine := startEngine(t, session, security, time.Second)

	err := engine.Deliver(ctx, Request{Room: "ops", Message: "hi"})
	if !errors.Is(err, ErrRoomBlocked) {
		t.Fatalf("error = %v, want ErrRoomBlocked", err)
	}
	if sends := session.sentMessages(); len(sends) != 0 {
		t.Errorf("blocked room received %d sends", len(sends))
	}

	t.Run("unblock restores delivery", func(t *testing.T) {
		if err := security.SetBlocked(ctx, opsRoom, false); err != nil {
			t.Fatalf("SetBlocked: %v", err)
		}
		if err := engine.Deliver(ctx, Request{Room: "ops", Message: "hi"}); err != nil {
			t.Fatalf("Deliver after unblock: %v", err)
		}
	})
}

func TestEngineDeliverFailure(t *testing.T) {
	ctx := context.Background()
	opsRoom := ref.MustParseRoomID("!abc:example.org")

	session := newFakeSession()
	session.aliases["#ops:example.org"] = opsRoom
	session.ackErr = errors.New("homeserver exploded")
	engine := startEngine(t, session, NewSecurityState(newFakeMirror(), nil), time.Second)

	err := engine.Deliver(ctx, Request{Room: "ops", Message: "hi"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Errorf("error = %v, want ErrDeliveryFailed", err)
	}
}

func TestEngineAckTimeout(t *testing.T) {
	ctx := context.Background()
	opsRoom := ref.MustParseRoomID("!abc:example.org")

	session := newFakeSession()
	session.aliases["#ops:example.org"] = opsRoom
	session.autoAck = false // the ack never comes
	engine := startEngine(t, session, NewSecurityState(newFakeMirror(), nil), 50*time.Millisecond)

	start := time.Now()
	err := engine.Deliver(ctx, Request{Room: "ops", Message: "hi"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("error = %v, want ErrDeliveryFailed", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Deliver returned after %v, before the ack timeout", elapsed)
	}

	// A late ack for the timed-out request must be dropped harmlessly.
	sends := session.sentMessages()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	session.events <- SendAckEvent{CorrelationID: sends[0].correlationID}

	// The loop is still alive: an unrelated ack cycle completes.
	session.events <- SendAckEvent{CorrelationID: uuid.New(), Err: errors.New("stray")}
	session.autoAck = true
	if err := engine.Deliver(ctx, Request{Room: "ops", Message: "again"}); err != nil {
		t.Errorf("Deliver after late ack: %v", err)
	}
}

func TestEngineUrgentDelivery(t *testing.T) {
	ctx := context.Background()
	opsRoom := ref.MustParseRoomID("!abc:example.org")
	urgentRoom := ref.MustParseRoomID("!urgent:example.org")

	t.Run("urgent room preferred, no mention", func(t *testing.T) {
		session := newFakeSession()
		session.aliases["#ops:example.org"] = opsRoom
		session.aliases["#ops-urgent:example.org"] = urgentRoom
		engine := startEngine(t, session, NewSecurityState(newFakeMirror(), nil), time.Second)

		if err := engine.Deliver(ctx, Request{Room: "ops", Message: "fire", Priority: 5}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		sends := session.sentMessages()
		if sends[0].roomID != urgentRoom {
			t.Errorf("sent to %v, want urgent room", sends[0].roomID)
		}
		if sends[0].content.Mentions != nil {
			t.Error("urgent room delivery still carries an @room mention")
		}
	})

	t.Run("no urgent room, @room mention", func(t *testing.T) {
		session := newFakeSession()
		session.aliases["#ops:example.org"] = opsRoom
		engine := startEngine(t, session, NewSecurityState(newFakeMirror(), nil), time.Second)

		if err := engine.Deliver(ctx, Request{Room: "ops", Message: "fire", Priority: 4}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		sends := session.sentMessages()
		if sends[0].roomID != opsRoom {
			t.Errorf("sent to %v, want base room", sends[0].roomID)
		}
		if sends[0].content.Mentions == nil || !sends[0].content.Mentions.Room {
			t.Error("fallback urgent delivery missing @room mention")
		}
	})

	t.Run("literal room ID gets @room mention", func(t *testing.T) {
		session := newFakeSession()
		engine := startEngine(t, session, NewSecurityState(newFakeMirror(), nil), time.Second)

		if err := engine.Deliver(ctx, Request{Room: opsRoom.String(), Message: "fire", Priority: 5}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		sends := session.sentMessages()
		if sends[0].roomID != opsRoom {
			t.Errorf("sent to %v, want %v", sends[0].roomID, opsRoom)
		}
		if sends[0].content.Mentions == nil || !sends[0].content.Mentions.Room {
			t.Error("urgent delivery to a literal room ID missing @room mention")
		}
	})

	t.Run("normal priority never urgent", func(t *testing.T) {
		session := newFakeSession()
		session.aliases["#ops:example.org"] = opsRoom
		session.aliases["#ops-urgent:example.org"] = urgentRoom
		engine := startEngine(t, session, NewSecurityState(newFakeMirror(), nil), time.Second)

		if err := engine.Deliver(ctx, Request{Room: "ops", Message: "routine", Priority: 3}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		sends := session.sentMessages()
		if sends[0].roomID != opsRoom || sends[0].content.Mentions != nil {
			t.Errorf("priority 3 treated as urgent: %+v", sends[0])
		}
	})
}

func TestEngineRunDispatch(t *testing.T) {
	roomID := ref.MustParseRoomID("!abc:example.org")
	alice := ref.MustParseUserID("@alice:example.org")

	session := newFakeSession()
	security := NewSecurityState(newFakeMirror(), nil)
	directory, err := NewDirectory(DirectoryConfig{ServerName: "example.org", Session: session})
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	formatter := NewFormatter(FormatMarkdown, nil)
	engine, err := NewEngine(EngineConfig{
		Directory: directory,
		Security:  security,
		Formatter: formatter,
		Session:   session,
		Admitter:  NewAdmitter(AdmitterConfig{Session: session, Security: security}),
		Commander: NewCommander(CommanderConfig{
			Prefix:    "!pokem",
			Session:   session,
			Security:  security,
			Formatter: formatter,
		}),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// The channel is closed below, so command replies must not ack
	// back onto it.
	session.autoAck = false
	session.events <- InviteEvent{RoomID: roomID, Sender: alice, MemberCount: 2}
	session.events <- MessageEvent{RoomID: roomID, Sender: alice, Body: "!pokem set auth hunter2"}
	close(session.events)

	// Run drains the closed channel and returns nil.
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if joined := session.joinedRooms(); len(joined) != 1 || joined[0] != roomID {
		t.Errorf("invite not dispatched to admitter: joined = %v", joined)
	}
	if err := security.Authorize(roomID, "hunter2"); err != nil {
		t.Errorf("command not dispatched to commander: %v", err)
	}
}
