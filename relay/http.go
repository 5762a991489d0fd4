// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// maxRequestBody caps notification request bodies. Matrix itself
// rejects events around 64 KiB; anything near this cap is misuse.
const maxRequestBody = 1 << 20 // 1 MiB

//go:embed webform.html
var webFormHTML []byte

// Handler is the daemon's HTTP boundary. Paths name rooms: a POST or
// PUT to /<room-reference> relays the request body into that room, a
// GET serves the web form for composing a poke by hand.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler constructs the HTTP handler over an Engine.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(webFormHTML)
	case http.MethodPost, http.MethodPut:
		h.handlePoke(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// pokeBody is the optional JSON request shape. Requests may instead
// put the message in the raw body and the rest in headers or query
// parameters.
type pokeBody struct {
	Topic    string      `json:"topic"`
	Title    string      `json:"title"`
	Message  string      `json:"message"`
	Priority json.Number `json:"priority"`
}

func (h *Handler) handlePoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	request := h.buildRequest(r, body)

	if err := h.engine.Deliver(r.Context(), request); err != nil {
		h.writeError(w, r, request, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK\n")
}

// buildRequest assembles a relay Request from the layered sources the
// interface accepts: JSON body first, then headers, then query
// parameters, with the raw body as the message of last resort.
func (h *Handler) buildRequest(r *http.Request, body []byte) Request {
	request := Request{
		Room:      strings.Trim(r.URL.Path, "/"),
		AuthToken: firstHeader(r, "authentication", "auth"),
		Format:    firstHeader(r, "x-format", "format"),
	}

	rawMessage := string(body)
	var parsed pokeBody
	if json.Unmarshal(body, &parsed) == nil &&
		(parsed.Message != "" || parsed.Title != "" || parsed.Topic != "") {
		request.Title = parsed.Title
		request.Message = parsed.Message
		request.Priority = parsePriority(parsed.Priority.String())
		if request.Room == "" {
			// ntfy-style: the topic field names the room when the
			// path doesn't.
			request.Room = parsed.Topic
		}
		rawMessage = ""
	}

	if request.Title == "" {
		request.Title = firstValue(r, "x-title", "title", "t")
	}
	if request.Message == "" {
		request.Message = firstValue(r, "x-message", "message", "m")
	}
	if request.Message == "" {
		request.Message = rawMessage
	}
	if request.Priority == 0 {
		request.Priority = parsePriority(firstValue(r, "x-priority", "priority", "p"))
	}
	return request
}

// writeError maps pipeline errors to HTTP statuses. Missing and
// mismatched tokens share one response so callers cannot probe which
// rooms are protected.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, request Request, err error) {
	var status int
	var message string
	switch {
	case errors.Is(err, ErrUnresolvedRoom):
		status, message = http.StatusNotFound, "unknown room"
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrAuthMismatch):
		status, message = http.StatusUnauthorized, "authentication failed"
	case errors.Is(err, ErrRoomBlocked):
		status, message = http.StatusForbidden, "room blocked"
	case errors.Is(err, ErrEmptyMessage):
		status, message = http.StatusBadRequest, "empty message"
	case errors.Is(err, ErrDeliveryFailed):
		status, message = http.StatusBadGateway, "delivery failed"
	default:
		status, message = http.StatusInternalServerError, "internal error"
	}

	h.logger.Info("poke rejected",
		"room", request.Room,
		"status", status,
		"remote", r.RemoteAddr,
		"error", err,
	)
	http.Error(w, message, status)
}

// firstHeader returns the first non-empty header among names.
func firstHeader(r *http.Request, names ...string) string {
	for _, name := range names {
		if value := r.Header.Get(name); value != "" {
			return value
		}
	}
	return ""
}

// firstValue returns the first non-empty header, then query parameter,
// among names.
func firstValue(r *http.Request, names ...string) string {
	if value := firstHeader(r, names...); value != "" {
		return value
	}
	query := r.URL.Query()
	for _, name := range names {
		if value := query.Get(name); value != "" {
			return value
		}
	}
	return ""
}

// parsePriority maps a priority string — numeric or named — to the
// 1..5 scale. Unknown values mean "unspecified" (0).
func parsePriority(raw string) int {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return 0
	case "min":
		return 1
	case "low":
		return 2
	case "default":
		return 3
	case "high":
		return 4
	case "urgent", "max":
		return 5
	}
	number, err := strconv.Atoi(raw)
	if err != nil || number < 1 {
		return 0
	}
	if number > 5 {
		return 5
	}
	return number
}
