package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/dockrion/runstream/bus"
	"github.com/dockrion/runstream/event"
	"github.com/dockrion/runstream/manager"
	"github.com/dockrion/runstream/run"
)

// sseWriter frames events for a text/event-stream response and flushes
// after every frame so consumers see events as they happen.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, f: f}, nil
}

// writeEvent frames one envelope. Sequenced events carry an id: line so
// clients can resume with from_sequence; heartbeats are unsequenced and
// carry none.
func (s *sseWriter) writeEvent(evt *event.Event) error {
	data, err := event.Encode(evt)
	if err != nil {
		return err
	}
	if evt.Sequence > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", evt.Sequence); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// streamEvents handles GET /runs/{run_id}/events. Unknown runs fail with
// 404 and replay cursors older than retained history with 410, both
// before any stream bytes are written.
func (g *Gateway) streamEvents(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["run_id"]

		var from uint64
		if raw := r.URL.Query().Get("from_sequence"); raw != "" {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid_cursor", "from_sequence must be a non-negative integer")
				return
			}
			from = v
		}
		timeout := g.timeout
		if raw := r.URL.Query().Get("timeout"); raw != "" {
			secs, err := strconv.Atoi(raw)
			if err != nil || secs <= 0 {
				respondError(w, http.StatusBadRequest, "invalid_timeout", "timeout must be a positive integer of seconds")
				return
			}
			timeout = time.Duration(secs) * time.Second
		}

		if _, err := g.mgr.Get(ctx, id); err != nil {
			if errors.Is(err, run.ErrNotFound) {
				respondError(w, http.StatusNotFound, "not_found", "run not found")
				return
			}
			log.Errorf(ctx, err, "load run %s failed", id)
			respondError(w, http.StatusInternalServerError, "internal", "run lookup failed")
			return
		}

		sub, err := g.bus.Subscribe(ctx, bus.Channel(id), bus.WithFromSequence(from))
		if err != nil {
			switch {
			case errors.Is(err, bus.ErrReplayWindowExceeded):
				respondError(w, http.StatusGone, "replay_window_exceeded", "requested events are no longer retained")
			case errors.Is(err, bus.ErrBackendUnavailable):
				respondError(w, http.StatusServiceUnavailable, "backend_unavailable", "event backend unavailable")
			default:
				log.Errorf(ctx, err, "subscribe run %s failed", id)
				respondError(w, http.StatusInternalServerError, "internal", "subscription failed")
			}
			return
		}
		defer sub.Close()

		sse, err := newSSEWriter(w)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		g.serveStream(ctx, sse, sub, id, timeout)
	}
}

// serveStream pumps subscription events onto the SSE connection until a
// terminal event, the idle timeout, a subscription error or client
// disconnect.
func (g *Gateway) serveStream(ctx context.Context, sse *sseWriter, sub *bus.Subscription, runID string, timeout time.Duration) {
	if g.activeStreams != nil {
		g.activeStreams.Add(ctx, 1)
		defer g.activeStreams.Add(ctx, -1)
	}

	heartbeat := time.NewTicker(g.heartbeat)
	defer heartbeat.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Backends close Errs on normal subscription end, which would make
	// its select case permanently ready and race with buffered replay
	// events. Disable the case once closed; only a real error ends the
	// stream from that side.
	errs := sub.Errs()
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := sse.writeEvent(evt); err != nil {
				log.Printf(ctx, "run %s: stream write failed: %v", runID, err)
				return
			}
			if evt.Terminal() {
				return
			}
			heartbeat.Reset(g.heartbeat)
			if !deadline.Stop() {
				<-deadline.C
			}
			deadline.Reset(timeout)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf(ctx, "run %s: subscription ended: %v", runID, err)
			return
		case <-heartbeat.C:
			if err := sse.writeEvent(event.NewHeartbeat(runID)); err != nil {
				return
			}
		case <-deadline.C:
			log.Printf(ctx, "run %s: stream timeout after %s", runID, timeout)
			return
		case <-ctx.Done():
			return
		}
	}
}

// invokeStream handles POST /invoke/stream: a single-connection invoke
// that creates a server-identified run, executes the producer and streams
// its events on the response. The run id is not part of the contract;
// callers that need reconnect semantics use POST /runs instead.
func (g *Gateway) invokeStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if g.limiter != nil && !g.limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many run requests")
			return
		}

		var input json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
			return
		}
		if err := g.validateInput(input); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}

		rec, err := g.mgr.Create(ctx, manager.CreateRequest{})
		if err != nil {
			log.Errorf(ctx, err, "create invoke run failed")
			respondError(w, http.StatusInternalServerError, "internal", "run creation failed")
			return
		}

		// Subscribe before launch so the started event is never missed.
		sub, err := g.bus.Subscribe(ctx, bus.Channel(rec.RunID))
		if err != nil {
			log.Errorf(ctx, err, "subscribe run %s failed", rec.RunID)
			respondError(w, http.StatusInternalServerError, "internal", "subscription failed")
			return
		}
		defer sub.Close()

		if err := g.mgr.Launch(ctx, rec.RunID, g.producer(input)); err != nil {
			log.Errorf(ctx, err, "launch run %s failed", rec.RunID)
			respondError(w, http.StatusInternalServerError, "internal", "run launch failed")
			return
		}

		sse, err := newSSEWriter(w)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		g.serveStream(ctx, sse, sub, rec.RunID, g.timeout)
	}
}
