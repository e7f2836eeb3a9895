// Package pulse implements the durable bus.Bus for multi-instance
// deployments.
//
// Publish does two things that are atomic from the caller's perspective:
// it appends the event to a per-channel Redis log (a Lua script assigns the
// sequence number, enforces the event cap, and refreshes the retention TTL
// in one step, so sequences stay monotonic and contiguous under concurrent
// publishers on any instance) and then broadcasts the sequenced event on a
// Pulse stream for already-connected subscribers.
//
// Subscribe opens the Pulse sink first, then replays the Redis log above
// the caller's cursor, then switches to live delivery deduplicating by
// sequence, so a subscriber connecting between the replay read and the
// live feed sees no duplicate and no gap. Log entries expire after the
// configured TTL or event cap, whichever trips first; cursors below the
// oldest retained entry fail with bus.ErrReplayWindowExceeded.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/dockrion/runstream/bus"
	"github.com/dockrion/runstream/event"
	clientspulse "github.com/dockrion/runstream/features/bus/pulse/clients/pulse"
)

type (
	// Options configures the durable bus.
	Options struct {
		// Client is the Pulse client used for live delivery. Required.
		Client clientspulse.Client
		// Redis is the Redis connection used for the append log and
		// sequence assignment. Required.
		Redis *redis.Client
		// TTL bounds per-channel log retention. Defaults to one hour.
		TTL time.Duration
		// MaxEvents caps retained log entries per channel. Defaults
		// to 1000.
		MaxEvents int
		// RetryAttempts bounds publish retries against a transiently
		// unavailable Redis. Defaults to 3.
		RetryAttempts int
	}

	// Bus implements bus.Bus on Redis + Pulse.
	Bus struct {
		client  clientspulse.Client
		log     appendLog
		ttl     time.Duration
		max     int
		retries int
	}
)

const (
	// DefaultTTL is the per-channel log retention window.
	DefaultTTL = time.Hour
	// DefaultMaxEvents is the per-channel log entry cap.
	DefaultMaxEvents = 1000
	// DefaultRetryAttempts bounds publish retries.
	DefaultRetryAttempts = 3
)

// retryBackoff is the capped wait schedule between publish attempts.
var retryBackoff = []time.Duration{25 * time.Millisecond, 100 * time.Millisecond, 400 * time.Millisecond}

// New constructs a durable bus from the given options.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	max := opts.MaxEvents
	if max <= 0 {
		max = DefaultMaxEvents
	}
	retries := opts.RetryAttempts
	if retries <= 0 {
		retries = DefaultRetryAttempts
	}
	return &Bus{
		client:  opts.Client,
		log:     &redisLog{rdb: opts.Redis, ttl: ttl, max: max},
		ttl:     ttl,
		max:     max,
		retries: retries,
	}, nil
}

// Publish implements bus.Bus. The append (with sequence assignment) is
// retried with a bounded backoff; only the in-flight event is buffered, so
// exhausting the retries surfaces bus.ErrBackendUnavailable to the caller
// rather than silently dropping history.
func (b *Bus) Publish(ctx context.Context, channel string, evt *event.Event) error {
	if evt == nil {
		return &event.ValidationError{Reason: "event is required"}
	}
	encoded, err := event.Encode(evt)
	if err != nil {
		return err
	}

	var seq uint64
	appendOnce := func() error {
		var aerr error
		seq, aerr = b.log.Append(ctx, channel, encoded, evt.Terminal())
		return aerr
	}
	if err := b.withRetry(ctx, appendOnce); err != nil {
		if errors.Is(err, errChannelEnded) {
			return bus.ErrClosed
		}
		return fmt.Errorf("%w: append %s: %v", bus.ErrBackendUnavailable, channel, err)
	}

	// Re-encode with the assigned sequence for live delivery. Live
	// subscribers rely on the sequence for replay/live deduplication.
	sequenced := *evt
	sequenced.Sequence = seq
	payload, err := event.Encode(&sequenced)
	if err != nil {
		return err
	}
	stream, err := b.client.Stream(streamName(channel))
	if err != nil {
		return fmt.Errorf("open live stream for %s: %w", channel, err)
	}
	add := func() error {
		_, aerr := stream.Add(ctx, string(sequenced.Type), payload)
		return aerr
	}
	if err := b.withRetry(ctx, add); err != nil {
		// The event is durably logged; reconnecting subscribers will see
		// it on replay even though live delivery failed.
		return fmt.Errorf("publish live event on %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, channel string, opts ...bus.SubscribeOption) (*bus.Subscription, error) {
	o := bus.ApplyOptions(opts...)

	stream, err := b.client.Stream(streamName(channel))
	if err != nil {
		return nil, fmt.Errorf("open live stream for %s: %w", channel, err)
	}
	// The sink must exist before the replay read so events published
	// during the read buffer in the sink instead of being lost. Each
	// subscription gets its own consumer group for full fan-out.
	sink, err := stream.NewSink(ctx, "sub-"+uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("%w: create sink for %s: %v", bus.ErrBackendUnavailable, channel, err)
	}

	entries, err := b.log.Range(ctx, channel)
	if err != nil {
		sink.Close(ctx)
		return nil, fmt.Errorf("%w: read log for %s: %v", bus.ErrBackendUnavailable, channel, err)
	}
	if len(entries) > 0 && entries[0].seq > 1 && o.FromSequence < entries[0].seq-1 {
		sink.Close(ctx)
		return nil, bus.ErrReplayWindowExceeded
	}
	if len(entries) == 0 {
		// An empty log with a non-zero counter means history expired
		// entirely; any cursor below the head is unservable.
		head, herr := b.log.Head(ctx, channel)
		if herr != nil {
			sink.Close(ctx)
			return nil, fmt.Errorf("%w: read head for %s: %v", bus.ErrBackendUnavailable, channel, herr)
		}
		if head > 0 && o.FromSequence < head {
			sink.Close(ctx)
			return nil, bus.ErrReplayWindowExceeded
		}
	}

	events := make(chan *event.Event, o.Buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go b.consume(runCtx, channel, sink, entries, o.FromSequence, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return bus.NewSubscription(events, errs, cancelFunc), nil
}

// Close implements bus.Bus.
func (b *Bus) Close(ctx context.Context) error {
	return b.client.Close(ctx)
}

// consume replays log entries above the cursor, then switches to live sink
// delivery, deduplicating by sequence across the boundary. It closes both
// channels when a terminal event has been delivered, the sink closes, or
// ctx is canceled.
func (b *Bus) consume(
	ctx context.Context,
	channel string,
	sink clientspulse.Sink,
	entries []logEntry,
	from uint64,
	out chan<- *event.Event,
	errs chan<- error,
) {
	defer close(out)
	defer close(errs)

	last := from
	for _, entry := range entries {
		if entry.seq <= from {
			continue
		}
		evt, err := event.Decode(entry.payload)
		if err != nil {
			errs <- fmt.Errorf("decode log entry %d on %s: %w", entry.seq, channel, err)
			return
		}
		evt.Sequence = entry.seq
		select {
		case out <- evt:
		case <-ctx.Done():
			return
		}
		last = entry.seq
		if evt.Terminal() {
			return
		}
	}

	live := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-live:
			if !ok {
				return
			}
			evt, err := event.Decode(msg.Payload)
			if err != nil {
				errs <- fmt.Errorf("decode live event on %s: %w", channel, err)
				return
			}
			if evt.Sequence <= last {
				// Already delivered during replay, or the cursor sits past
				// this event. A terminal event still ends the stream even
				// when its delivery is suppressed.
				if ackErr := sink.Ack(ctx, msg); ackErr != nil {
					log.Errorf(ctx, ackErr, "ack duplicate event on %s", channel)
				}
				if evt.Terminal() {
					return
				}
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
			last = evt.Sequence
			if ackErr := sink.Ack(ctx, msg); ackErr != nil {
				errs <- fmt.Errorf("ack event on %s: %w", channel, ackErr)
				return
			}
			if evt.Terminal() {
				return
			}
		}
	}
}

// withRetry runs op up to b.retries times with the capped backoff
// schedule. Context cancellation and channel-ended conditions abort
// immediately.
func (b *Bus) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < b.retries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, errChannelEnded) || ctx.Err() != nil {
			return err
		}
		wait := retryBackoff[len(retryBackoff)-1]
		if attempt < len(retryBackoff) {
			wait = retryBackoff[attempt]
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// streamName is the Pulse stream carrying a channel's live events.
func streamName(channel string) string {
	return "runstream/" + channel
}
