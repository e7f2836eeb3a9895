// Package bus defines the backend-agnostic publish/subscribe contract for
// run channels.
//
// A channel is the per-run routing key for events ("run:<run_id>"). Publish
// appends the event to the channel and fans it out to live subscribers;
// Subscribe attaches a consumer, optionally replaying history from a
// sequence cursor before switching to live delivery. Callers never see
// backend-specific types: both the in-memory backend (bus/inmem) and the
// durable backend (features/bus/pulse) implement this interface.
package bus

import (
	"context"
	"errors"

	"github.com/dockrion/runstream/event"
)

type (
	// Bus routes events between producers and subscribers over named
	// channels. Implementations assign the per-channel sequence number at
	// publish time and guarantee that sequences observed by a single
	// subscriber are strictly increasing and contiguous.
	Bus interface {
		// Publish appends the event to the channel and delivers it to all
		// current live subscribers. Publish must not block on subscriber
		// read speed. The event's Sequence field is assigned by the
		// backend; callers pass events with Sequence zero.
		Publish(ctx context.Context, channel string, evt *event.Event) error

		// Subscribe attaches a consumer to the channel. With
		// WithFromSequence(k), history with sequence > k is replayed in
		// order before live events, with no duplicates or gaps across the
		// boundary. The subscription ends when a terminal event is
		// delivered, when Close is called, or when ctx is canceled.
		Subscribe(ctx context.Context, channel string, opts ...SubscribeOption) (*Subscription, error)

		// Close releases backend resources. Open subscriptions are
		// terminated.
		Close(ctx context.Context) error
	}

	// Subscription is one consumer's live attachment to a channel. It is
	// not persisted and exists only for the life of a delivery connection.
	Subscription struct {
		events <-chan *event.Event
		errs   <-chan error
		cancel context.CancelFunc
	}

	// SubscribeOption configures a subscription.
	SubscribeOption func(*SubscribeOptions)

	// SubscribeOptions holds resolved subscription settings. Backends read
	// it via ApplyOptions.
	SubscribeOptions struct {
		// FromSequence replays events with sequence strictly greater than
		// this cursor before live delivery. Zero replays all retained
		// history.
		FromSequence uint64
		// Buffer is the subscriber channel capacity.
		Buffer int
	}
)

// DefaultBuffer is the subscriber channel capacity used when WithBuffer is
// not supplied.
const DefaultBuffer = 64

var (
	// ErrReplayWindowExceeded reports a from_sequence cursor older than the
	// oldest retained log entry. Reconnecting clients must restart from the
	// beginning of retained history instead of silently skipping events.
	ErrReplayWindowExceeded = errors.New("replay window exceeded")

	// ErrBackendUnavailable reports that the durable backend could not be
	// reached after bounded retries.
	ErrBackendUnavailable = errors.New("stream backend unavailable")

	// ErrSlowConsumer reports that a subscriber fell too far behind live
	// delivery and was evicted so the producer never stalls. The consumer
	// should resubscribe with its last observed sequence.
	ErrSlowConsumer = errors.New("subscriber too slow, evicted")

	// ErrClosed reports an operation on a closed bus.
	ErrClosed = errors.New("bus is closed")
)

// Channel returns the routing key for a run's events.
func Channel(runID string) string { return "run:" + runID }

// WithFromSequence replays retained events with sequence > from before
// switching to live delivery.
func WithFromSequence(from uint64) SubscribeOption {
	return func(o *SubscribeOptions) { o.FromSequence = from }
}

// WithBuffer overrides the subscriber channel capacity.
func WithBuffer(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		if n > 0 {
			o.Buffer = n
		}
	}
}

// ApplyOptions resolves subscribe options with defaults. Backends call this
// at the top of Subscribe.
func ApplyOptions(opts ...SubscribeOption) SubscribeOptions {
	o := SubscribeOptions{Buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSubscription wraps backend delivery channels in a Subscription. The
// cancel function tears down the backend consumer; it must be safe to call
// more than once.
func NewSubscription(events <-chan *event.Event, errs <-chan error, cancel context.CancelFunc) *Subscription {
	return &Subscription{events: events, errs: errs, cancel: cancel}
}

// Events returns the ordered event channel. The channel is closed after a
// terminal event has been delivered or the subscription is torn down.
func (s *Subscription) Events() <-chan *event.Event { return s.events }

// Errs returns the error channel. At most one error is sent before the
// subscription ends.
func (s *Subscription) Errs() <-chan error { return s.errs }

// Close detaches the subscriber from the channel. Closing a subscription
// has no effect on the run or on other subscribers. Idempotent.
func (s *Subscription) Close() { s.cancel() }
