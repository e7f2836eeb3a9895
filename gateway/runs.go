package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/dockrion/runstream/manager"
	"github.com/dockrion/runstream/run"
)

type (
	createRunRequest struct {
		RunID          string            `json:"run_id,omitempty"`
		Input          json.RawMessage   `json:"input,omitempty"`
		TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
		Metadata       map[string]string `json:"metadata,omitempty"`
	}

	createRunResponse struct {
		RunID     string     `json:"run_id"`
		Status    run.Status `json:"status"`
		EventsURL string     `json:"events_url"`
		CreatedAt time.Time  `json:"created_at"`
	}

	errorResponse struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
)

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respond(w, status, errorResponse{Error: msg, Code: code})
}

// createRun handles POST /runs: validate, persist the accepted record and
// launch the producer. The response is 202 with the record snapshot and
// the SSE URL; the caller attaches to the stream separately.
func (g *Gateway) createRun() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if g.limiter != nil && !g.limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many run requests")
			return
		}

		var req createRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
			return
		}
		if err := g.validateInput(req.Input); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}

		rec, err := g.mgr.Create(ctx, manager.CreateRequest{
			RunID:    req.RunID,
			Timeout:  time.Duration(req.TimeoutSeconds) * time.Second,
			Metadata: req.Metadata,
		})
		if err != nil {
			var iderr *run.InvalidIDError
			switch {
			case errors.As(err, &iderr):
				respondError(w, http.StatusBadRequest, "invalid_run_id", iderr.Error())
			case errors.Is(err, run.ErrConflict):
				respondError(w, http.StatusConflict, "run_exists", "run id already exists")
			default:
				log.Errorf(ctx, err, "create run failed")
				respondError(w, http.StatusInternalServerError, "internal", "run creation failed")
			}
			return
		}

		if err := g.mgr.Launch(ctx, rec.RunID, g.producer(req.Input)); err != nil {
			log.Errorf(ctx, err, "launch run %s failed", rec.RunID)
			respondError(w, http.StatusInternalServerError, "internal", "run launch failed")
			return
		}

		respond(w, http.StatusAccepted, createRunResponse{
			RunID:     rec.RunID,
			Status:    rec.Status,
			EventsURL: "/runs/" + rec.RunID + "/events",
			CreatedAt: rec.CreatedAt,
		})
	}
}

// getRun handles GET /runs/{run_id}.
func (g *Gateway) getRun(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["run_id"]
		rec, err := g.mgr.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, run.ErrNotFound) {
				respondError(w, http.StatusNotFound, "not_found", "run not found")
				return
			}
			log.Errorf(r.Context(), err, "load run %s failed", id)
			respondError(w, http.StatusInternalServerError, "internal", "run lookup failed")
			return
		}
		respond(w, http.StatusOK, rec)
	}
}

// cancelRun handles DELETE /runs/{run_id}. Cancellation is advisory for
// running producers: 202 reports the request is pending, 200 reports the
// run is already cancelled.
func (g *Gateway) cancelRun(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["run_id"]
		err := g.mgr.CancelRequest(ctx, id, "client request")
		switch {
		case err == nil:
		case errors.Is(err, run.ErrNotFound):
			respondError(w, http.StatusNotFound, "not_found", "run not found")
			return
		case errors.Is(err, manager.ErrAlreadyTerminal):
			rec, lerr := g.mgr.Get(ctx, id)
			if lerr == nil && rec.Status == run.StatusCancelled {
				respond(w, http.StatusOK, rec)
				return
			}
			respondError(w, http.StatusConflict, "already_terminal", "run already reached a terminal state")
			return
		default:
			log.Errorf(ctx, err, "cancel run %s failed", id)
			respondError(w, http.StatusInternalServerError, "internal", "cancellation failed")
			return
		}

		rec, err := g.mgr.Get(ctx, id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "internal", "cancellation failed")
			return
		}
		if rec.Status.Terminal() {
			respond(w, http.StatusOK, rec)
			return
		}
		respond(w, http.StatusAccepted, rec)
	}
}
