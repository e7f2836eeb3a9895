package stream

import (
	"context"
	"sync"
	"time"
)

// StepListener receives node lifecycle notifications from the execution
// engine driving a run. Implementations are attached per run.
type StepListener interface {
	// OnNodeStart is called when a node begins executing.
	OnNodeStart(ctx context.Context, node string)
	// OnNodeEnd is called when a node finishes, with the keys it
	// consumed and produced.
	OnNodeEnd(ctx context.Context, node string, inputKeys, outputKeys []string) error
}

// stepBridge translates node completions into step events on the run
// channel. Start times are tracked per node so end notifications carry
// wall-clock durations.
type stepBridge struct {
	sc  *Context
	now func() time.Time

	mu     sync.Mutex
	starts map[string]time.Time
}

// NewStepListener returns a StepListener that emits a step event for
// every completed node via sc.
func NewStepListener(sc *Context) StepListener {
	return &stepBridge{
		sc:     sc,
		now:    time.Now,
		starts: make(map[string]time.Time),
	}
}

func (b *stepBridge) OnNodeStart(_ context.Context, node string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts[node] = b.now()
}

func (b *stepBridge) OnNodeEnd(ctx context.Context, node string, inputKeys, outputKeys []string) error {
	b.mu.Lock()
	started, ok := b.starts[node]
	delete(b.starts, node)
	now := b.now()
	b.mu.Unlock()

	var dur time.Duration
	if ok {
		dur = now.Sub(started)
	}
	return b.sc.EmitStep(ctx, node, dur, inputKeys, outputKeys)
}
