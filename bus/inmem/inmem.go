// Package inmem provides an in-memory bus.Bus for single-instance
// deployments and tests.
//
// Each channel owns an ordered replay buffer and a set of live subscriber
// queues under its own lock, so distinct runs never contend. Publish
// assigns the sequence number, appends to the buffer, and fans out without
// ever blocking on a subscriber: a consumer whose queue is full is evicted
// with bus.ErrSlowConsumer rather than stalling the producer. History does
// not survive a process restart.
package inmem

import (
	"context"
	"sync"

	"github.com/dockrion/runstream/bus"
	"github.com/dockrion/runstream/event"
)

type (
	// Bus implements bus.Bus in memory.
	Bus struct {
		mu       sync.RWMutex
		channels map[string]*channel
		maxLog   int
		closed   bool
	}

	// channel holds the per-run shared state. All mutation is serialized
	// by mu; different channels proceed independently.
	channel struct {
		mu sync.Mutex
		// log is the retained replay buffer, oldest first.
		log []*event.Event
		// firstSeq is the sequence of log[0]; advances when the buffer is
		// trimmed.
		firstSeq uint64
		// nextSeq is the sequence assigned to the next published event.
		nextSeq uint64
		// subs are the live subscriber queues.
		subs map[*subscriber]struct{}
		// terminal is set once a terminal event has been published.
		terminal bool
	}

	subscriber struct {
		events chan *event.Event
		errs   chan error
		// from is the replay cursor; live events at or below it are not
		// delivered.
		from uint64
		once sync.Once
	}

	// Option configures the bus.
	Option func(*Bus)
)

// WithMaxEventsPerChannel caps the replay buffer per channel. Publishing
// beyond the cap trims the oldest entries; replay cursors below the trim
// point fail with bus.ErrReplayWindowExceeded. Default 1000.
func WithMaxEventsPerChannel(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxLog = n
		}
	}
}

// DefaultMaxEventsPerChannel is the per-channel replay buffer cap.
const DefaultMaxEventsPerChannel = 1000

// New constructs an empty in-memory bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		channels: make(map[string]*channel),
		maxLog:   DefaultMaxEventsPerChannel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements bus.Bus. It assigns the next per-channel sequence,
// appends to the replay buffer, and fans out to live subscribers without
// blocking. Publishing after a terminal event is rejected so the
// exactly-one-terminal invariant holds at the backend too.
func (b *Bus) Publish(_ context.Context, name string, evt *event.Event) error {
	if evt == nil {
		return &event.ValidationError{Reason: "event is required"}
	}
	ch, err := b.channel(name, true)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	if ch.terminal {
		ch.mu.Unlock()
		return bus.ErrClosed
	}
	ch.nextSeq++
	// Copy before fan-out so subscribers never share the caller's event.
	published := *evt
	published.Sequence = ch.nextSeq
	ch.log = append(ch.log, &published)
	if len(ch.log) > b.maxLog {
		drop := len(ch.log) - b.maxLog
		ch.log = append([]*event.Event(nil), ch.log[drop:]...)
	}
	ch.firstSeq = ch.log[0].Sequence
	if published.Terminal() {
		ch.terminal = true
	}

	var evicted []*subscriber
	for sub := range ch.subs {
		if published.Sequence <= sub.from {
			// Cursor ahead of this event: the subscriber asked to resume
			// past it, so it is skipped, but a terminal event still ends
			// the stream.
			if published.Terminal() {
				sub.finish(nil)
				delete(ch.subs, sub)
			}
			continue
		}
		select {
		case sub.events <- &published:
			if published.Terminal() {
				sub.finish(nil)
				delete(ch.subs, sub)
			}
		default:
			evicted = append(evicted, sub)
			delete(ch.subs, sub)
		}
	}
	ch.mu.Unlock()

	for _, sub := range evicted {
		sub.finish(bus.ErrSlowConsumer)
	}
	return nil
}

// Subscribe implements bus.Bus. Replay and live attachment happen under the
// channel lock, so a subscriber connecting mid-stream sees no duplicate and
// no gap between replayed and live events.
func (b *Bus) Subscribe(ctx context.Context, name string, opts ...bus.SubscribeOption) (*bus.Subscription, error) {
	o := bus.ApplyOptions(opts...)
	ch, err := b.channel(name, true)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	if ch.firstSeq > 1 && o.FromSequence < ch.firstSeq-1 {
		ch.mu.Unlock()
		return nil, bus.ErrReplayWindowExceeded
	}
	var backlog []*event.Event
	for _, evt := range ch.log {
		if evt.Sequence > o.FromSequence {
			backlog = append(backlog, evt)
		}
	}
	// Size the queue to hold the whole backlog so replay never overflows.
	capacity := o.Buffer
	if capacity < len(backlog) {
		capacity = len(backlog)
	}
	sub := &subscriber{
		events: make(chan *event.Event, capacity),
		errs:   make(chan error, 1),
		from:   o.FromSequence,
	}
	terminalReplayed := false
	for _, evt := range backlog {
		sub.events <- evt
		if evt.Terminal() {
			terminalReplayed = true
		}
	}
	if terminalReplayed || ch.terminal {
		// Stream already ended; deliver the backlog and close.
		sub.finish(nil)
	} else {
		ch.subs[sub] = struct{}{}
	}
	ch.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-subCtx.Done()
		ch.mu.Lock()
		_, live := ch.subs[sub]
		delete(ch.subs, sub)
		ch.mu.Unlock()
		if live {
			sub.finish(nil)
		}
	}()
	return bus.NewSubscription(sub.events, sub.errs, cancel), nil
}

// Close implements bus.Bus. All live subscriptions are terminated.
func (b *Bus) Close(context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	channels := make([]*channel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		for sub := range ch.subs {
			delete(ch.subs, sub)
			sub.finish(bus.ErrClosed)
		}
		ch.mu.Unlock()
	}
	return nil
}

func (b *Bus) channel(name string, create bool) (*channel, error) {
	b.mu.RLock()
	ch, ok := b.channels[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, bus.ErrClosed
	}
	if ok {
		return ch, nil
	}
	if !create {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if ch, ok = b.channels[name]; ok {
		return ch, nil
	}
	ch = &channel{subs: make(map[*subscriber]struct{})}
	b.channels[name] = ch
	return ch, nil
}

// finish delivers an optional error and closes the subscriber's channels.
// Idempotent: eviction and teardown may race.
func (s *subscriber) finish(err error) {
	s.once.Do(func() {
		if err != nil {
			s.errs <- err
		}
		close(s.events)
		close(s.errs)
	})
}
