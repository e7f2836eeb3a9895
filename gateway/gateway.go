// Package gateway exposes the run streaming service over HTTP: run
// creation, status queries, cancellation and the SSE delivery endpoint.
//
// Handlers are mounted on a goa muxer and wrapped with clue's HTTP
// logging middleware; health endpoints report the readiness of the
// configured backends. Producers are handed only a *stream.Context; the
// bus and stores never leak past this package.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"github.com/dockrion/runstream/bus"
	"github.com/dockrion/runstream/manager"
)

type (
	// ProducerFactory builds the producer executed for a run from its
	// validated input payload.
	ProducerFactory func(input json.RawMessage) manager.Producer

	// Options configures the gateway.
	Options struct {
		// Manager drives run lifecycles. Required.
		Manager *manager.Manager
		// Bus delivers run events to SSE subscribers. Required.
		Bus bus.Bus
		// Producer builds the per-run producer. Required.
		Producer ProducerFactory
		// Heartbeat is the idle interval between SSE heartbeat frames.
		// Defaults to DefaultHeartbeat.
		Heartbeat time.Duration
		// StreamTimeout closes an SSE connection that has delivered no
		// events for this long. The timeout query parameter overrides it
		// per connection. Defaults to DefaultStreamTimeout.
		StreamTimeout time.Duration
		// InputSchema, when set, validates run input payloads before a
		// run is accepted.
		InputSchema *jsonschema.Schema
		// RateLimit bounds run-start requests per second. Zero disables
		// limiting.
		RateLimit rate.Limit
		// RateBurst is the limiter burst size. Defaults to 1 when
		// RateLimit is set.
		RateBurst int
		// Pingers report backend health on /healthz.
		Pingers []health.Pinger
		// Debug mounts pprof and the debug log enabler.
		Debug bool
	}

	// Gateway is the HTTP surface of the run streaming service.
	Gateway struct {
		mgr       *manager.Manager
		bus       bus.Bus
		producer  ProducerFactory
		heartbeat time.Duration
		timeout   time.Duration
		schema    *jsonschema.Schema
		limiter   *rate.Limiter
		debug     bool
		checker   health.Checker

		activeStreams metric.Int64UpDownCounter
	}
)

const (
	// DefaultHeartbeat is the idle interval between SSE heartbeat frames.
	DefaultHeartbeat = 15 * time.Second

	// DefaultStreamTimeout is the idle cutoff for SSE connections
	// without an explicit timeout parameter.
	DefaultStreamTimeout = 5 * time.Minute
)

// New returns a gateway serving the given manager and bus.
func New(opts Options) (*Gateway, error) {
	if opts.Manager == nil {
		return nil, errors.New("manager is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Producer == nil {
		return nil, errors.New("producer factory is required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}
	g := &Gateway{
		mgr:       opts.Manager,
		bus:       opts.Bus,
		producer:  opts.Producer,
		heartbeat: opts.Heartbeat,
		timeout:   opts.StreamTimeout,
		schema:    opts.InputSchema,
		debug:     opts.Debug,
		checker:   health.NewChecker(opts.Pingers...),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	meter := otel.Meter("github.com/dockrion/runstream/gateway")
	g.activeStreams, _ = meter.Int64UpDownCounter("runstream.sse.active")
	return g, nil
}

// Handler builds the HTTP handler tree. ctx must carry a clue logger
// (see log.Context); the logging middleware reads it on every request.
func (g *Gateway) Handler(ctx context.Context) http.Handler {
	mux := goahttp.NewMuxer()
	if g.debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}

	mux.Handle("POST", "/runs", g.createRun())
	mux.Handle("GET", "/runs/{run_id}", g.getRun(mux))
	mux.Handle("GET", "/runs/{run_id}/events", g.streamEvents(mux))
	mux.Handle("DELETE", "/runs/{run_id}", g.cancelRun(mux))
	mux.Handle("POST", "/invoke/stream", g.invokeStream())
	mux.Handle("GET", "/healthz", health.Handler(g.checker))
	mux.Handle("GET", "/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var handler http.Handler = mux
	if g.debug {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// validateInput checks the run input against the configured JSON schema.
// A nil schema accepts everything.
func (g *Gateway) validateInput(input json.RawMessage) error {
	if g.schema == nil || len(input) == 0 {
		return nil
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return err
	}
	return g.schema.Validate(v)
}
