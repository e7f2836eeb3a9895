// Package event defines the typed envelope published on run channels.
//
// Every fact about a run (lifecycle transitions, producer progress, streamed
// tokens) is an Event: an immutable, sequenced envelope with a payload drawn
// from a closed set of types. Backends assign the sequence number when the
// event is appended to a channel log; producers and the lifecycle manager
// construct events with Sequence zero and never see it populated.
//
// The JSON encoding of the envelope is the durable wire format: it is what
// the backends persist and what the SSE gateway writes in data frames.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// Type identifies the payload flavor carried by an event.
	Type string

	// Event is the envelope for a single run event. Events are immutable
	// after construction and safe to share across goroutines.
	Event struct {
		// ID is an opaque unique token assigned at construction.
		ID string `json:"id"`
		// Type identifies the payload flavor.
		Type Type `json:"type"`
		// RunID is the run that produced this event.
		RunID string `json:"run_id"`
		// Sequence is the backend-assigned, per-run position, starting at 1.
		// Zero until the event has been published.
		Sequence uint64 `json:"sequence"`
		// Timestamp records when the event was constructed (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the type-specific data. After Decode it holds the
		// concrete payload struct for the closed set, or CustomPayload for
		// producer-defined events.
		Payload any `json:"payload,omitempty"`
	}

	// ProgressPayload reports coarse-grained producer progress.
	ProgressPayload struct {
		// Step names the unit of work being reported on.
		Step string `json:"step"`
		// Progress is the completion fraction in [0, 1].
		Progress float64 `json:"progress"`
		// Message is an optional human-readable annotation.
		Message string `json:"message,omitempty"`
	}

	// CheckpointPayload marks a named intermediate state of the producer.
	CheckpointPayload struct {
		Name string         `json:"name"`
		Data map[string]any `json:"data,omitempty"`
	}

	// TokenPayload streams incremental output content, typically model
	// tokens. Consumers concatenate Content across token events.
	TokenPayload struct {
		Content string `json:"content"`
		// FinishReason is set on the final token of a generation
		// (for example "stop" or "length"). Empty otherwise.
		FinishReason string `json:"finish_reason,omitempty"`
	}

	// StepPayload reports completion of one node of the producer's
	// execution graph.
	StepPayload struct {
		Node       string        `json:"node"`
		Duration   time.Duration `json:"duration,omitempty"`
		InputKeys  []string      `json:"input_keys,omitempty"`
		OutputKeys []string      `json:"output_keys,omitempty"`
	}

	// StartedPayload is published when a run transitions to running.
	StartedPayload struct {
		RunID string `json:"run_id"`
	}

	// CompletePayload is the successful terminal payload.
	CompletePayload struct {
		// Output is the producer's final result, verbatim JSON.
		Output json.RawMessage `json:"output,omitempty"`
		// Latency is the wall-clock run duration.
		Latency time.Duration `json:"latency"`
	}

	// ErrorPayload is the failure terminal payload.
	ErrorPayload struct {
		Error   string         `json:"error"`
		Code    string         `json:"code,omitempty"`
		Details map[string]any `json:"details,omitempty"`
	}

	// CancelledPayload is the cancellation terminal payload.
	CancelledPayload struct {
		Reason string `json:"reason,omitempty"`
	}

	// HeartbeatPayload keeps idle delivery connections alive. Heartbeats
	// are generated by the gateway and are never appended to channel logs.
	HeartbeatPayload struct{}

	// CustomPayload carries a producer-defined event. Tag is an open
	// identifier chosen by the producer; Data is verbatim JSON.
	CustomPayload struct {
		Tag  string          `json:"tag"`
		Data json.RawMessage `json:"data,omitempty"`
	}
)

const (
	// TypeStarted is published by the lifecycle manager when a run begins.
	TypeStarted Type = "started"

	// TypeProgress reports fractional producer progress.
	TypeProgress Type = "progress"

	// TypeCheckpoint marks a named intermediate producer state.
	TypeCheckpoint Type = "checkpoint"

	// TypeToken streams incremental output content.
	TypeToken Type = "token"

	// TypeStep reports completion of one producer graph node.
	TypeStep Type = "step"

	// TypeComplete is the successful terminal event.
	TypeComplete Type = "complete"

	// TypeError is the failure terminal event.
	TypeError Type = "error"

	// TypeCancelled is the cancellation terminal event.
	TypeCancelled Type = "cancelled"

	// TypeHeartbeat keeps idle connections alive. Never sequenced.
	TypeHeartbeat Type = "heartbeat"

	// TypeCustom carries a producer-defined payload with an open tag.
	TypeCustom Type = "custom"
)

// Terminal reports whether t ends a run's event stream.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError || t == TypeCancelled
}

// Known reports whether t belongs to the closed event type set.
func (t Type) Known() bool {
	switch t {
	case TypeStarted, TypeProgress, TypeCheckpoint, TypeToken, TypeStep,
		TypeComplete, TypeError, TypeCancelled, TypeHeartbeat, TypeCustom:
		return true
	}
	return false
}

// New constructs an event of the given type for a run. The payload must be
// one of the payload structs defined in this package; New stamps the event
// ID and UTC timestamp and leaves Sequence for the backend to assign.
func New(t Type, runID string, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewStarted constructs the started lifecycle event for a run.
func NewStarted(runID string) *Event {
	return New(TypeStarted, runID, StartedPayload{RunID: runID})
}

// NewProgress constructs a progress event. It returns a ValidationError if
// progress is outside [0, 1] or step is empty.
func NewProgress(runID, step string, progress float64, message string) (*Event, error) {
	if step == "" {
		return nil, &ValidationError{Field: "step", Reason: "step is required"}
	}
	if progress < 0 || progress > 1 {
		return nil, &ValidationError{Field: "progress", Reason: "progress must be within [0, 1]"}
	}
	return New(TypeProgress, runID, ProgressPayload{Step: step, Progress: progress, Message: message}), nil
}

// NewCheckpoint constructs a checkpoint event. It returns a ValidationError
// if name is empty.
func NewCheckpoint(runID, name string, data map[string]any) (*Event, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "name is required"}
	}
	return New(TypeCheckpoint, runID, CheckpointPayload{Name: name, Data: data}), nil
}

// NewToken constructs a token event.
func NewToken(runID, content, finishReason string) *Event {
	return New(TypeToken, runID, TokenPayload{Content: content, FinishReason: finishReason})
}

// NewStep constructs a step event. It returns a ValidationError if node is
// empty.
func NewStep(runID, node string, duration time.Duration, inputKeys, outputKeys []string) (*Event, error) {
	if node == "" {
		return nil, &ValidationError{Field: "node", Reason: "node is required"}
	}
	return New(TypeStep, runID, StepPayload{
		Node:       node,
		Duration:   duration,
		InputKeys:  append([]string(nil), inputKeys...),
		OutputKeys: append([]string(nil), outputKeys...),
	}), nil
}

// NewComplete constructs the successful terminal event.
func NewComplete(runID string, output json.RawMessage, latency time.Duration) *Event {
	return New(TypeComplete, runID, CompletePayload{Output: output, Latency: latency})
}

// NewError constructs the failure terminal event.
func NewError(runID, msg, code string, details map[string]any) *Event {
	return New(TypeError, runID, ErrorPayload{Error: msg, Code: code, Details: details})
}

// NewCancelled constructs the cancellation terminal event.
func NewCancelled(runID, reason string) *Event {
	return New(TypeCancelled, runID, CancelledPayload{Reason: reason})
}

// NewHeartbeat constructs a heartbeat event. Heartbeats are transport-level
// and must not be published to a channel log.
func NewHeartbeat(runID string) *Event {
	return New(TypeHeartbeat, runID, HeartbeatPayload{})
}

// NewCustom constructs a producer-defined event. It returns a
// ValidationError if tag is empty or collides with a reserved type name.
func NewCustom(runID, tag string, data json.RawMessage) (*Event, error) {
	if tag == "" {
		return nil, &ValidationError{Field: "tag", Reason: "tag is required"}
	}
	if Type(tag).Known() {
		return nil, &ValidationError{Field: "tag", Reason: "tag collides with a reserved event type"}
	}
	return New(TypeCustom, runID, CustomPayload{Tag: tag, Data: data}), nil
}

// Terminal reports whether the event ends its run's stream.
func (e *Event) Terminal() bool { return e.Type.Terminal() }

// ValidationError reports a malformed event payload supplied by producer
// code or decoded from the wire.
type ValidationError struct {
	// Field names the offending payload field.
	Field string
	// Reason describes the constraint that was violated.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}
