// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/arcuru/pokem/messaging"
)

// Message format names. FormatMarkdown is the default.
const (
	FormatMarkdown = "markdown"
	FormatPlain    = "plain"
)

var (
	markdownOnce     sync.Once
	markdownRenderer goldmark.Markdown
)

// renderMarkdown renders a markdown body to HTML. The renderer is
// built lazily and shared; goldmark.Markdown is safe for concurrent
// use.
func renderMarkdown(body string) (string, error) {
	markdownOnce.Do(func() {
		markdownRenderer = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	var html strings.Builder
	if err := markdownRenderer.Convert([]byte(body), &html); err != nil {
		return "", err
	}
	return strings.TrimRight(html.String(), "\n"), nil
}

// Formatter turns request bodies into Matrix message content. It is a
// pure transform, applied exactly once per message, before the send.
type Formatter struct {
	defaultFormat string
	logger        *slog.Logger
}

// NewFormatter constructs a Formatter with the given default format
// ("markdown" or "plain").
func NewFormatter(defaultFormat string, logger *slog.Logger) *Formatter {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultFormat == "" {
		defaultFormat = FormatMarkdown
	}
	return &Formatter{defaultFormat: defaultFormat, logger: logger}
}

// Message renders a body in the requested format. An empty format uses
// the configured default; an unknown format falls back to markdown
// with a log line rather than failing the request.
func (f *Formatter) Message(body, format string) messaging.MessageContent {
	if format == "" {
		format = f.defaultFormat
	}

	switch format {
	case FormatPlain:
		return messaging.NewTextMessage(body)
	case FormatMarkdown:
	default:
		f.logger.Warn("unknown message format, using markdown", "format", format)
	}

	html, err := renderMarkdown(body)
	if err != nil {
		f.logger.Warn("markdown rendering failed, sending plain", "error", err)
		return messaging.NewTextMessage(body)
	}
	return messaging.NewHTMLMessage(body, html)
}

// ComposeBody joins an optional title with the message text. The title
// is bolded in markdown; plain text callers still get a readable
// fallback because the body keeps the markdown markers.
func ComposeBody(title, message string) string {
	title = strings.TrimSpace(title)
	message = strings.TrimSpace(message)
	switch {
	case title == "":
		return message
	case message == "":
		return "**" + title + "**"
	default:
		return "**" + title + "**\n\n" + message
	}
}
