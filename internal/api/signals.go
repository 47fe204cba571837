package api

import (
	"encoding/json"
	"net/http"

	"github.com/nidhogg/mindpulse/internal/gateway"
	"github.com/nidhogg/mindpulse/internal/signal"
)

// maxBatch bounds one batch request.
const maxBatch = 500

func (h *Handler) ingestSignal(w http.ResponseWriter, r *http.Request) {
	var s signal.Signal
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v := h.deps.Gateway.Ingest(r.Context(), s)
	writeJSON(w, verdictStatus(v), v)
}

type batchRequest struct {
	Signals []signal.Signal `json:"signals"`
}

type batchResponse struct {
	Accepted int               `json:"accepted"`
	Verdicts []gateway.Verdict `json:"verdicts"`
}

// ingestBatch ingests signals in request order. Each signal gets its own
// verdict; one rejection does not stop the rest.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Signals) > maxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "too many signals in batch")
		return
	}
	resp := batchResponse{Verdicts: make([]gateway.Verdict, 0, len(req.Signals))}
	for _, s := range req.Signals {
		v := h.deps.Gateway.Ingest(r.Context(), s)
		if v.Accepted {
			resp.Accepted++
		}
		resp.Verdicts = append(resp.Verdicts, v)
	}
	writeJSON(w, http.StatusOK, resp)
}

func verdictStatus(v gateway.Verdict) int {
	switch {
	case v.Accepted:
		return http.StatusAccepted
	case v.Reason == gateway.ReasonBackpressure:
		return http.StatusServiceUnavailable
	case v.Reason == gateway.ReasonUnknownSession:
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}
