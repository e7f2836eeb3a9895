// Package run defines primitives for tracking run executions.
//
// A Run is one execution instance of a producer. Its record is owned by the
// lifecycle manager: created on a run-start request, mutated only through
// the status transitions below, never deleted (event history expires at the
// backend, the record itself survives for status queries).
//
// Status machine:
//
//	accepted → running → {completed | failed | cancelled}
//
// Terminal states are absorbing. The only transition that skips running is
// accepted → cancelled, for requests cancelled before the producer started.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

type (
	// Status is the lifecycle state of a run.
	Status string

	// Run captures the durable metadata for a single execution instance.
	Run struct {
		// RunID uniquely identifies the run. Client-supplied (validated by
		// ValidateID) or server-generated.
		RunID string `json:"run_id" bson:"run_id"`
		// Status is the current lifecycle state.
		Status Status `json:"status" bson:"status"`
		// CreatedAt records when the run was accepted (UTC).
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		// CompletedAt records when the run reached a terminal state.
		CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
		// Output is the producer's final result. Set only on completed runs.
		Output json.RawMessage `json:"output,omitempty" bson:"output,omitempty"`
		// Error is the failure message. Set only on failed runs.
		Error string `json:"error,omitempty" bson:"error,omitempty"`
		// Metadata stores caller-provided labels.
		Metadata map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	}

	// Store persists run records. Implementations must be safe for
	// concurrent use; per-run read-modify-write cycles are serialized by
	// the lifecycle manager, not the store.
	Store interface {
		// Create persists a new record. It fails with ErrConflict if the
		// run id already exists.
		Create(ctx context.Context, r Run) error
		// Update replaces the record for r.RunID. It fails with
		// ErrNotFound if the run is unknown.
		Update(ctx context.Context, r Run) error
		// Load returns the record for runID, or ErrNotFound.
		Load(ctx context.Context, runID string) (Run, error)
	}

	// InvalidIDError reports a malformed client-supplied run id.
	InvalidIDError struct {
		ID     string
		Reason string
	}
)

const (
	// StatusAccepted indicates the run has been created but not started.
	StatusAccepted Status = "accepted"
	// StatusRunning indicates the producer is executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the run was cancelled.
	StatusCancelled Status = "cancelled"
)

var (
	// ErrNotFound reports an unknown run id.
	ErrNotFound = errors.New("run not found")

	// ErrConflict reports a duplicate client-supplied run id.
	ErrConflict = errors.New("run id already exists")

	idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether the status machine permits from → to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusAccepted:
		// accepted → cancelled covers requests cancelled before start.
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// ValidateID checks a client-supplied run id: 1-128 characters drawn from
// [A-Za-z0-9_-], not starting with an underscore (reserved for internal
// channels).
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return &InvalidIDError{ID: id, Reason: "must be 1-128 characters of [A-Za-z0-9_-]"}
	}
	if strings.HasPrefix(id, "_") {
		return &InvalidIDError{ID: id, Reason: "must not start with an underscore"}
	}
	return nil
}

// Error implements the error interface.
func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid run id %q: %s", e.ID, e.Reason)
}
