// Package stream exposes the emission API handed to run producers. A
// Context is bound to a single run and publishes interim events through
// the configured bus backend; the backend assigns sequence numbers, so
// emitters never observe or invent ordering themselves.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dockrion/runstream/bus"
	"github.com/dockrion/runstream/event"
)

// Context emits interim events for one run. It is safe for concurrent
// use by parallel producer branches; ordering across branches is
// whatever order publishes reach the backend.
type Context struct {
	runID   string
	channel string
	bus     bus.Bus
}

// NewContext binds an emission context to a run on the given bus.
func NewContext(b bus.Bus, runID string) *Context {
	return &Context{
		runID:   runID,
		channel: bus.Channel(runID),
		bus:     b,
	}
}

// RunID returns the run this context emits for.
func (c *Context) RunID() string { return c.runID }

// EmitProgress publishes a progress event. Progress must be in [0, 1]
// and step must be non-empty.
func (c *Context) EmitProgress(ctx context.Context, step string, progress float64, message string) error {
	evt, err := event.NewProgress(c.runID, step, progress, message)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, c.channel, evt)
}

// Checkpoint publishes a named checkpoint with optional state data.
func (c *Context) Checkpoint(ctx context.Context, name string, data map[string]any) error {
	evt, err := event.NewCheckpoint(c.runID, name, data)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, c.channel, evt)
}

// EmitToken publishes a model output fragment. finishReason is empty
// for all but the final token of a generation.
func (c *Context) EmitToken(ctx context.Context, content, finishReason string) error {
	return c.bus.Publish(ctx, c.channel, event.NewToken(c.runID, content, finishReason))
}

// EmitStep publishes a node completion record.
func (c *Context) EmitStep(ctx context.Context, node string, duration time.Duration, inputKeys, outputKeys []string) error {
	evt, err := event.NewStep(c.runID, node, duration, inputKeys, outputKeys)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, c.channel, evt)
}

// Emit publishes a custom event under an application-defined tag.
// Reserved type names are rejected.
func (c *Context) Emit(ctx context.Context, tag string, data json.RawMessage) error {
	evt, err := event.NewCustom(c.runID, tag, data)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, c.channel, evt)
}
