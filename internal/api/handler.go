package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/conversation"
	"github.com/nidhogg/mindpulse/internal/dispatch"
	"github.com/nidhogg/mindpulse/internal/gateway"
	"github.com/nidhogg/mindpulse/internal/profile"
	"github.com/nidhogg/mindpulse/internal/session"
)

// ScheduleReader lists a learner's active review schedule.
type ScheduleReader interface {
	Entries(ctx context.Context, learnerID string) ([]cognitive.ScheduleEntry, error)
}

// Deps are the services behind the HTTP surface. Schedule and Feed may be
// nil, in which case their routes answer 503.
type Deps struct {
	Sessions       *session.Registry
	Gateway        *gateway.Gateway
	Conversations  *conversation.Registry
	Profiles       profile.Store
	Schedule       ScheduleReader
	Feed           dispatch.Subscriber
	Engine         *cognitive.Engine
	AllowedOrigins []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if deps.Engine == nil {
		deps.Engine = cognitive.Default()
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	return &Handler{deps: deps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Session lifecycle
		r.Post("/sessions", h.openSession)
		r.Get("/sessions/{id}", h.getSession)
		r.Delete("/sessions/{id}", h.closeSession)
		r.Post("/sessions/{id}/disconnect", h.disconnectSession)

		// Signal ingestion
		r.Post("/signals", h.ingestSignal)
		r.Post("/signals/batch", h.ingestBatch)
		r.Get("/gateway/stats", h.gatewayStats)

		// Tutor chat
		r.Post("/chat", h.chat)
		r.Delete("/conversations/{id}", h.closeConversation)

		// Learner state
		r.Get("/learners/{id}/profile", h.getProfile)
		r.Delete("/learners/{id}/profile", h.retireProfile)
		r.Get("/learners/{id}/schedule", h.getSchedule)
		r.Get("/learners/{id}/interventions", h.interventionFeed)

		// Planning
		r.Post("/plans/balance", h.balancePlan)
		r.Get("/plans/spacing", h.spacingPlan)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"sessions":      h.deps.Sessions.Len(),
		"conversations": h.deps.Conversations.Len(),
	})
}

type openSessionRequest struct {
	SessionID string `json:"session_id"`
	LearnerID string `json:"learner_id"`
	TenantID  string `json:"tenant_id"`
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, created, err := h.deps.Sessions.GetOrCreate(req.SessionID, req.LearnerID, req.TenantID)
	switch {
	case errors.Is(err, session.ErrLearnerChanged):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]string{
		"session_id": a.ID(),
		"learner_id": a.LearnerID(),
		"state":      a.State().String(),
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	a, ok := h.deps.Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	snap, err := a.Sync(r.Context())
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Sessions.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) disconnectSession(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Sessions.Disconnect(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "disconnected"})
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) gatewayStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Gateway.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
