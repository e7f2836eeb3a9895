// Package manager owns the run lifecycle: it creates run records, launches
// producers, enforces the status machine and publishes the lifecycle
// events (started plus exactly one terminal event) on the run channel.
//
// All state transitions flow through the manager. Producers only ever see
// a *stream.Context; cancellation and timeouts are imposed from here by
// cancelling the producer's context and, if it does not wind down within
// the grace period, force-publishing the terminal event on its behalf.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"github.com/dockrion/runstream/bus"
	"github.com/dockrion/runstream/event"
	"github.com/dockrion/runstream/run"
	"github.com/dockrion/runstream/stream"
)

type (
	// Producer is the caller-supplied function executed for a run. It
	// emits interim events through sc and returns the run output. A nil
	// error completes the run; a context cancellation error cancels it;
	// any other error fails it.
	Producer func(ctx context.Context, sc *stream.Context) (json.RawMessage, error)

	// Options configures a Manager.
	Options struct {
		// Store persists run records. Required.
		Store run.Store
		// Bus carries run events. Required.
		Bus bus.Bus
		// Registry tracks live runs. Defaults to a fresh registry.
		Registry *Registry
		// RunTimeout bounds producer execution. Defaults to
		// DefaultRunTimeout; CreateRequest.Timeout overrides per run.
		RunTimeout time.Duration
		// CancelGrace is how long a cancel-requested producer gets to wind
		// down before the run is force-cancelled. Defaults to
		// DefaultCancelGrace.
		CancelGrace time.Duration
	}

	// Manager drives runs through accepted → running → terminal.
	Manager struct {
		store run.Store
		bus   bus.Bus
		reg   *Registry

		timeout time.Duration
		grace   time.Duration

		// locks serializes status transitions per run so each run publishes
		// exactly one terminal event even under concurrent watchdog,
		// producer and cancel-request completion attempts. Runs never block
		// each other: store and bus calls for one run can stall without
		// holding up another run's transition.
		locks *runLocks

		started  metric.Int64Counter
		terminal metric.Int64Counter

		// timeouts holds per-run overrides recorded at Create time.
		tmu      sync.Mutex
		timeouts map[string]time.Duration
	}

	// CreateRequest carries the parameters of a run-start request.
	CreateRequest struct {
		// RunID is the client-supplied id. Empty means server-generated.
		RunID string
		// Timeout overrides the manager run timeout for this run.
		Timeout time.Duration
		// Metadata stores caller-provided labels on the record.
		Metadata map[string]string
	}

	// InvalidTransitionError reports a lifecycle call that the status
	// machine does not permit, such as launching an already-running run.
	InvalidTransitionError struct {
		RunID string
		From  run.Status
		To    run.Status
	}
)

const (
	// DefaultRunTimeout bounds producer execution when no override is set.
	DefaultRunTimeout = 300 * time.Second

	// DefaultCancelGrace is the wind-down window granted after a cancel
	// request before the run is force-cancelled.
	DefaultCancelGrace = 5 * time.Second
)

// ErrAlreadyTerminal reports a cancel request against a run that already
// reached completed, failed or cancelled.
var ErrAlreadyTerminal = errors.New("run already terminal")

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: cannot transition %s to %s", e.RunID, e.From, e.To)
}

// New returns a Manager wired to the given store and bus.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	m := &Manager{
		store:    opts.Store,
		bus:      opts.Bus,
		reg:      opts.Registry,
		timeout:  opts.RunTimeout,
		grace:    opts.CancelGrace,
		locks:    newRunLocks(),
		timeouts: make(map[string]time.Duration),
	}
	meter := otel.Meter("github.com/dockrion/runstream/manager")
	m.started, _ = meter.Int64Counter("runstream.runs.started")
	m.terminal, _ = meter.Int64Counter("runstream.runs.terminal")
	return m, nil
}

// Registry exposes the live-run registry, mostly for health reporting.
func (m *Manager) Registry() *Registry { return m.reg }

// Create validates the request and persists a new accepted run record.
// It fails with run.ErrConflict when the id is already taken and with
// *run.InvalidIDError when a client-supplied id is malformed.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*run.Run, error) {
	id := req.RunID
	if id == "" {
		id = uuid.New().String()
	} else if err := run.ValidateID(id); err != nil {
		return nil, err
	}
	rec := run.Run{
		RunID:     id,
		Status:    run.StatusAccepted,
		CreatedAt: time.Now().UTC(),
		Metadata:  req.Metadata,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		m.tmu.Lock()
		m.timeouts[id] = req.Timeout
		m.tmu.Unlock()
	}
	log.Printf(ctx, "run %s accepted", id)
	return &rec, nil
}

// Get returns the run record.
func (m *Manager) Get(ctx context.Context, runID string) (run.Run, error) {
	return m.store.Load(ctx, runID)
}

// Launch transitions the run to running, publishes the started event and
// executes the producer on its own goroutine. The producer's return value
// is mapped to the terminal transition: nil error completes the run, a
// context cancellation cancels it, anything else fails it. Panics fail
// the run.
func (m *Manager) Launch(ctx context.Context, runID string, p Producer) error {
	if p == nil {
		return errors.New("producer is required")
	}

	rl := m.locks.lock(runID)
	rec, err := m.store.Load(ctx, runID)
	if err != nil {
		m.locks.unlock(runID, rl)
		return err
	}
	if !run.CanTransition(rec.Status, run.StatusRunning) {
		m.locks.unlock(runID, rl)
		return &InvalidTransitionError{RunID: runID, From: rec.Status, To: run.StatusRunning}
	}
	rec.Status = run.StatusRunning
	if err := m.store.Update(ctx, rec); err != nil {
		m.locks.unlock(runID, rl)
		return err
	}
	m.locks.unlock(runID, rl)

	// The producer outlives the launching request.
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	watchdog := time.AfterFunc(m.runTimeout(runID), func() {
		// Transition before releasing the producer so its own terminal
		// attempt is absorbed as a no-op.
		if err := m.Fail(context.WithoutCancel(ctx), runID, "run timeout exceeded", "timeout", nil); err != nil {
			log.Errorf(context.WithoutCancel(ctx), err, "run %s: timeout transition failed", runID)
		}
		cancel()
	})
	m.reg.register(runID, cancel, watchdog)

	channel := bus.Channel(runID)
	if err := m.bus.Publish(ctx, channel, event.NewStarted(runID)); err != nil {
		log.Errorf(ctx, err, "run %s: publish started failed", runID)
	}
	if m.started != nil {
		m.started.Add(ctx, 1)
	}

	sc := stream.NewContext(m.bus, runID)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := m.Fail(context.WithoutCancel(pctx), runID, fmt.Sprintf("producer panic: %v", r), "panic", nil)
				if err != nil {
					log.Errorf(context.WithoutCancel(pctx), err, "run %s: panic transition failed", runID)
				}
			}
		}()
		out, perr := p(pctx, sc)
		fctx := context.WithoutCancel(pctx)
		switch {
		case perr == nil:
			if err := m.Complete(fctx, runID, out, time.Since(start)); err != nil {
				log.Errorf(fctx, err, "run %s: complete transition failed", runID)
			}
		case errors.Is(perr, context.Canceled):
			if err := m.Cancel(fctx, runID, "cancel requested"); err != nil {
				log.Errorf(fctx, err, "run %s: cancel transition failed", runID)
			}
		default:
			if err := m.Fail(fctx, runID, perr.Error(), "producer_error", nil); err != nil {
				log.Errorf(fctx, err, "run %s: fail transition failed", runID)
			}
		}
	}()
	return nil
}

// Complete moves the run to completed and publishes the complete event.
// Calling it on an already-terminal run is a logged no-op.
func (m *Manager) Complete(ctx context.Context, runID string, output json.RawMessage, latency time.Duration) error {
	return m.finish(ctx, runID, run.StatusCompleted, event.NewComplete(runID, output, latency), func(r *run.Run) {
		r.Output = output
	})
}

// Fail moves the run to failed and publishes the error event.
func (m *Manager) Fail(ctx context.Context, runID, msg, code string, details map[string]any) error {
	return m.finish(ctx, runID, run.StatusFailed, event.NewError(runID, msg, code, details), func(r *run.Run) {
		r.Error = msg
	})
}

// Cancel moves the run to cancelled and publishes the cancelled event.
// It applies immediately, without the wind-down grace of CancelRequest.
func (m *Manager) Cancel(ctx context.Context, runID, reason string) error {
	return m.finish(ctx, runID, run.StatusCancelled, event.NewCancelled(runID, reason), nil)
}

// CancelRequest asks a run to stop. Accepted runs are cancelled
// immediately. For running producers the request is advisory: the
// producer context is cancelled and, if the run has not reached a
// terminal state within the grace window, it is force-cancelled. Returns
// ErrAlreadyTerminal when the run already ended and run.ErrNotFound when
// it is unknown.
func (m *Manager) CancelRequest(ctx context.Context, runID, reason string) error {
	rec, err := m.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if rec.Status == run.StatusAccepted {
		return m.Cancel(ctx, runID, reason)
	}
	force := func() {
		fctx := context.WithoutCancel(ctx)
		if err := m.Cancel(fctx, runID, reason); err != nil {
			log.Errorf(fctx, err, "run %s: forced cancel failed", runID)
		}
	}
	if !m.reg.requestCancel(runID, m.grace, force) {
		// Not live in this process (restart, or producer already gone):
		// cancel directly.
		return m.Cancel(ctx, runID, reason)
	}
	log.Printf(ctx, "run %s: cancellation requested, grace %s", runID, m.grace)
	return nil
}

// finish applies a terminal transition: update the record, publish the
// terminal event, evict the live entry. Transitions of the same run are
// serialized so exactly one caller wins; later callers see a terminal
// record and no-op.
func (m *Manager) finish(ctx context.Context, runID string, to run.Status, evt *event.Event, mutate func(*run.Run)) error {
	rl := m.locks.lock(runID)
	defer m.locks.unlock(runID, rl)

	rec, err := m.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		log.Printf(ctx, "run %s already %s, ignoring %s", runID, rec.Status, to)
		return nil
	}
	if !run.CanTransition(rec.Status, to) {
		return &InvalidTransitionError{RunID: runID, From: rec.Status, To: to}
	}

	now := time.Now().UTC()
	rec.Status = to
	rec.CompletedAt = &now
	if mutate != nil {
		mutate(&rec)
	}
	if err := m.store.Update(ctx, rec); err != nil {
		return err
	}
	if err := m.bus.Publish(ctx, bus.Channel(runID), evt); err != nil {
		// The record is terminal; subscribers will still observe the end
		// through the backend's channel teardown on reconnect.
		log.Errorf(ctx, err, "run %s: publish %s failed", runID, evt.Type)
	}
	m.reg.remove(runID)
	m.tmu.Lock()
	delete(m.timeouts, runID)
	m.tmu.Unlock()
	if m.terminal != nil {
		m.terminal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(to))))
	}
	log.Printf(ctx, "run %s %s", runID, to)
	return nil
}

func (m *Manager) runTimeout(runID string) time.Duration {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	if d, ok := m.timeouts[runID]; ok {
		return d
	}
	return m.timeout
}
