// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/arcuru/pokem/lib/ref"
)

// authVerbs are the accepted spellings of the auth sub-command. The
// long forms are legacy spellings kept for existing rooms.
var authVerbs = map[string]bool{
	"auth":           true,
	"authentication": true,
	"password":       true,
	"pass":           true,
}

// HelpText returns the in-room usage message for the given command
// prefix. Also used as the welcome message when joining a room.
func HelpText(prefix string) string {
	return fmt.Sprintf(`Poke this room over HTTP and the message lands here.

Commands (any room member):
- `+"`%s set auth <token>`"+` — require this token on every poke
- `+"`%s set auth off`"+` — remove the token requirement
- `+"`%s block`"+` — stop relaying pokes into this room
- `+"`%s unblock`"+` — resume relaying
- `+"`%s info`"+` — show this room's relay settings
- `+"`%s help`"+` — this message`, prefix, prefix, prefix, prefix, prefix, prefix)
}

// CommanderConfig holds the parameters for constructing a Commander.
type CommanderConfig struct {
	// Prefix is the trigger word for in-room commands (e.g. "!pokem").
	// Required.
	Prefix string

	// Session sends replies and identifies the bot's own messages.
	// Required.
	Session ChatSession

	// Security holds the tokens the commands manipulate. Required.
	Security *SecurityState

	// Formatter renders command replies. Required.
	Formatter *Formatter

	// AllowListPattern and SizeCeiling are reported by `info`.
	AllowListPattern string
	SizeCeiling      int

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Commander processes in-room administrative commands. Any room member
// may issue them — room membership is the trust boundary. Replies are
// fire-and-forget sends; their acks are dropped by the engine.
type Commander struct {
	prefix    string
	session   ChatSession
	security  *SecurityState
	formatter *Formatter
	allowList string
	ceiling   int
	logger    *slog.Logger
}

// NewCommander constructs a Commander.
func NewCommander(cfg CommanderConfig) *Commander {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Commander{
		prefix:    cfg.Prefix,
		session:   cfg.Session,
		security:  cfg.Security,
		formatter: cfg.Formatter,
		allowList: cfg.AllowListPattern,
		ceiling:   cfg.SizeCeiling,
		logger:    logger,
	}
}

// HandleMessage processes one room message. Messages from the bot
// itself and messages without the command prefix are ignored.
// Failures are logged or answered in-room, never propagated.
func (c *Commander) HandleMessage(ctx context.Context, message MessageEvent) {
	if message.Sender == c.session.UserID() {
		return
	}

	body := strings.TrimSpace(message.Body)
	rest, ok := strings.CutPrefix(body, c.prefix)
	if !ok || (rest != "" && rest[0] != ' ') {
		return
	}

	args := strings.Fields(rest)
	logger := c.logger.With("room_id", message.RoomID, "sender", message.Sender)

	if len(args) == 0 {
		c.reply(ctx, message.RoomID, HelpText(c.prefix))
		return
	}

	switch args[0] {
	case "set":
		c.handleSet(ctx, message, args[1:], logger)
	case "block":
		c.handleBlock(ctx, message.RoomID, true, logger)
	case "unblock":
		c.handleBlock(ctx, message.RoomID, false, logger)
	case "info":
		c.handleInfo(ctx, message.RoomID)
	case "help":
		c.reply(ctx, message.RoomID, HelpText(c.prefix))
	default:
		logger.Debug("unknown command", "command", args[0])
		c.reply(ctx, message.RoomID,
			fmt.Sprintf("Unknown command `%s`.\n\n%s", args[0], HelpText(c.prefix)))
	}
}

func (c *Commander) handleSet(ctx context.Context, message MessageEvent, args []string, logger *slog.Logger) {
	if len(args) < 2 || !authVerbs[args[0]] {
		c.reply(ctx, message.RoomID,
			fmt.Sprintf("Usage: `%s set auth <token>` or `%s set auth off`", c.prefix, c.prefix))
		return
	}

	token := args[1]
	switch token {
	case "off":
		if err := c.security.SetToken(ctx, message.RoomID, "", message.Sender); err != nil {
			logger.Error("clearing token failed", "error", err)
			c.reply(ctx, message.RoomID, "Could not save the change; authentication is unchanged.")
			return
		}
		c.reply(ctx, message.RoomID, "Authentication disabled. Anyone who can reach the daemon can poke this room.")
	case "on":
		// Almost certainly someone trying to enable auth without
		// picking a token. Don't set the literal token "on".
		c.reply(ctx, message.RoomID,
			fmt.Sprintf("That would set the token to the word `on`, which is probably not what you meant. Use `%s set auth <token>` to pick a token, or `%s set auth off` to disable.", c.prefix, c.prefix))
	default:
		if err := c.security.SetToken(ctx, message.RoomID, token, message.Sender); err != nil {
			logger.Error("setting token failed", "error", err)
			c.reply(ctx, message.RoomID, "Could not save the token; authentication is unchanged.")
			return
		}
		c.reply(ctx, message.RoomID,
			"Authentication token set. Pokes to this room now need it in the `authentication` header.")
	}
}

func (c *Commander) handleBlock(ctx context.Context, roomID ref.RoomID, blocked bool, logger *slog.Logger) {
	if err := c.security.SetBlocked(ctx, roomID, blocked); err != nil {
		logger.Error("setting blocked flag failed", "error", err, "blocked", blocked)
		c.reply(ctx, roomID, "Could not save the change; blocking is unchanged.")
		return
	}
	if blocked {
		c.reply(ctx, roomID,
			fmt.Sprintf("Relaying to this room is blocked. Pokes will be refused until someone runs `%s unblock`.", c.prefix))
	} else {
		c.reply(ctx, roomID, "Relaying to this room is unblocked.")
	}
}

func (c *Commander) handleInfo(ctx context.Context, roomID ref.RoomID) {
	record, _ := c.security.Record(roomID)

	token := "not set"
	if record.Token != "" {
		token = "`" + record.Token + "`"
	}
	allowList := "everyone"
	if c.allowList != "" {
		allowList = "`" + c.allowList + "`"
	}
	ceiling := "unlimited"
	if c.ceiling > 0 {
		ceiling = fmt.Sprintf("%d members", c.ceiling)
	}
	relaying := "active"
	if record.Blocked {
		relaying = fmt.Sprintf("blocked (`%s unblock` to resume)", c.prefix)
	}

	c.reply(ctx, roomID, fmt.Sprintf(
		"Room: `%s`\nAuthentication token: %s\nInvite allow list: %s\nRoom size limit: %s\nRelaying: %s",
		roomID, token, allowList, ceiling, relaying))
}

// reply sends a markdown-formatted message into the room. The ack is
// intentionally unclaimed; the engine drops acks with no waiter.
func (c *Commander) reply(ctx context.Context, roomID ref.RoomID, body string) {
	content := c.formatter.Message(body, FormatMarkdown)
	c.session.Send(ctx, roomID, content, uuid.New())
}
