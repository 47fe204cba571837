package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/mindpulse/internal/conversation"
	"github.com/nidhogg/mindpulse/internal/ratelimit"
)

// chat submits one turn. Clients that accept text/event-stream receive
// deltas as server-sent events; others get the completed reply as JSON.
// Errors raised before the first delta, rate limiting included, are
// returned as plain HTTP errors.
func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req conversation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.deps.Conversations.Submit(r.Context(), req)
	if err != nil {
		writeChatError(w, err)
		return
	}

	var first conversation.Event
	select {
	case ev, ok := <-events:
		if !ok {
			writeChatError(w, conversation.ErrClosed)
			return
		}
		first = ev
	case <-r.Context().Done():
		return
	}
	if first.Err != nil {
		writeChatError(w, first.Err)
		return
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.chatJSON(w, r, first, events)
		return
	}
	h.chatStream(w, r, first, events)
}

func (h *Handler) chatJSON(w http.ResponseWriter, r *http.Request, ev conversation.Event, events <-chan conversation.Event) {
	for {
		switch {
		case ev.Err != nil:
			writeChatError(w, ev.Err)
			return
		case ev.Reply != nil:
			writeJSON(w, http.StatusOK, ev.Reply)
			return
		}
		select {
		case next, ok := <-events:
			if !ok {
				writeChatError(w, conversation.ErrClosed)
				return
			}
			ev = next
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) chatStream(w http.ResponseWriter, r *http.Request, ev conversation.Event, events <-chan conversation.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		switch {
		case ev.Err != nil:
			writeEvent(w, "error", chatErrorBody(ev.Err))
			flusher.Flush()
			return
		case ev.Reply != nil:
			writeEvent(w, "done", ev.Reply)
			flusher.Flush()
			return
		default:
			writeEvent(w, "delta", map[string]string{"delta": ev.Delta})
			flusher.Flush()
		}
		select {
		case next, ok := <-events:
			if !ok {
				return
			}
			ev = next
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func chatErrorBody(err error) map[string]any {
	var rl *ratelimit.RateLimitedError
	if errors.As(err, &rl) {
		return map[string]any{
			"error":    "rate_limited",
			"reason":   rl.Reason,
			"reset_at": rl.ResetAt.UTC(),
		}
	}
	return map[string]any{"error": err.Error()}
}

func writeChatError(w http.ResponseWriter, err error) {
	var rl *ratelimit.RateLimitedError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &rl):
		wait := math.Ceil(time.Until(rl.ResetAt).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(max(int(wait), 1)))
		status = http.StatusTooManyRequests
	case errors.Is(err, conversation.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, conversation.ErrLearnerChanged):
		status = http.StatusConflict
	case errors.Is(err, conversation.ErrMailboxFull), errors.Is(err, conversation.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, chatErrorBody(err))
}

func (h *Handler) closeConversation(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Conversations.Close(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	}
}
