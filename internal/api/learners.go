package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/profile"
)

// feedKeepAlive is how often an idle intervention feed sends a comment
// line so proxies keep the connection open.
const feedKeepAlive = 25 * time.Second

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Profiles.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeProfileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// retireProfile handles consent withdrawal. The profile is kept but no
// longer personalized.
func (h *Handler) retireProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Profiles.Load(r.Context(), id); err != nil {
		writeProfileError(w, err)
		return
	}
	rev, err := profile.Retire(r.Context(), h.deps.Profiles, id)
	if err != nil {
		writeProfileError(w, err)
		return
	}
	h.logger.Info("profile retired", zap.String("learner", id), zap.Int64("revision", rev))
	writeJSON(w, http.StatusOK, map[string]any{"learner_id": id, "revision": rev, "status": "retired"})
}

func writeProfileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, profile.ErrNotFound):
		writeError(w, http.StatusNotFound, "profile not found")
	case errors.Is(err, profile.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, profile.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	if h.deps.Schedule == nil {
		writeError(w, http.StatusServiceUnavailable, "schedule not available")
		return
	}
	entries, err := h.deps.Schedule.Entries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []cognitive.ScheduleEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// interventionFeed streams a learner's interventions as server-sent events
// until the client goes away.
func (h *Handler) interventionFeed(w http.ResponseWriter, r *http.Request) {
	if h.deps.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, "intervention feed not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch := h.deps.Feed.Subscribe(r.Context(), chi.URLParam(r, "id"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	tick := time.NewTicker(feedKeepAlive)
	defer tick.Stop()
	for {
		select {
		case iv, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, "intervention", iv)
			flusher.Flush()
		case <-tick.C:
			w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type balanceRequest struct {
	Tasks []cognitive.Task `json:"tasks"`
}

func (h *Handler) balancePlan(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, t := range req.Tasks {
		if t.ID == "" {
			writeError(w, http.StatusBadRequest, "every task needs an id")
			return
		}
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.BalanceLoad(req.Tasks))
}

func (h *Handler) spacingPlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := strconv.ParseFloat(q.Get("days"), 64)
	if err != nil || days <= 0 {
		writeError(w, http.StatusBadRequest, "days must be a positive number")
		return
	}
	sessions, err := strconv.Atoi(q.Get("sessions"))
	if err != nil || sessions < 1 || sessions > 100 {
		writeError(w, http.StatusBadRequest, "sessions must be between 1 and 100")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days":    days,
		"offsets": h.deps.Engine.OptimalSpacing(days, sessions),
	})
}
