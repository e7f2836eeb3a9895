package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/dockrion/runstream/bus"
	"github.com/dockrion/runstream/event"
	clientspulse "github.com/dockrion/runstream/features/bus/pulse/clients/pulse"
)

func newTestBus(log appendLog) (*Bus, *mockClient) {
	client := newMockClient()
	return &Bus{
		client:  client,
		log:     log,
		ttl:     DefaultTTL,
		max:     DefaultMaxEvents,
		retries: DefaultRetryAttempts,
	}, client
}

func TestPublishAssignsSequenceAndBroadcasts(t *testing.T) {
	t.Parallel()

	b, client := newTestBus(newFakeLog())
	ctx := context.Background()
	ch := bus.Channel("run-1")

	for i := 0; i < 2; i++ {
		evt, err := event.NewProgress("run-1", "work", 0.5, "")
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, ch, evt))
	}

	stream := client.stream(streamName(ch))
	require.Len(t, stream.added, 2)
	for i, payload := range stream.added {
		decoded, err := event.Decode(payload)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), decoded.Sequence)
	}
}

func TestPublishAfterTerminalRejected(t *testing.T) {
	t.Parallel()

	b, _ := newTestBus(newFakeLog())
	ctx := context.Background()
	ch := bus.Channel("run-1")

	require.NoError(t, b.Publish(ctx, ch, event.NewCancelled("run-1", "operator")))
	evt, err := event.NewProgress("run-1", "late", 0.5, "")
	require.NoError(t, err)
	require.ErrorIs(t, b.Publish(ctx, ch, evt), bus.ErrClosed)
}

func TestPublishRetriesTransientAppendFailure(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	log.failures = 2
	b, _ := newTestBus(log)

	evt, err := event.NewProgress("run-1", "work", 0.5, "")
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.Channel("run-1"), evt))
	require.Equal(t, 3, log.attempts)
}

func TestPublishSurfacesBackendUnavailable(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	log.failures = 100
	b, _ := newTestBus(log)

	evt, err := event.NewProgress("run-1", "work", 0.5, "")
	require.NoError(t, err)
	err = b.Publish(context.Background(), bus.Channel("run-1"), evt)
	require.ErrorIs(t, err, bus.ErrBackendUnavailable)
}

func TestSubscribeReplaysThenDeduplicatesLive(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	b, client := newTestBus(log)
	ctx := context.Background()
	ch := bus.Channel("run-1")

	seed(t, log, ch, "run-1", 3)

	sub, err := b.Subscribe(ctx, ch, bus.WithFromSequence(1))
	require.NoError(t, err)
	defer sub.Close()

	// Replay delivers 2 and 3.
	require.Equal(t, uint64(2), recv(t, sub).Sequence)
	require.Equal(t, uint64(3), recv(t, sub).Sequence)

	stream := client.stream(streamName(ch))
	// A duplicate of 3 arriving live (published during the replay read)
	// must be dropped; 4 must be delivered.
	stream.deliver(t, sequencedProgress(t, "run-1", 3))
	stream.deliver(t, sequencedTerminal("run-1", 4))

	evt := recv(t, sub)
	require.Equal(t, uint64(4), evt.Sequence)
	require.True(t, evt.Terminal())

	_, ok := <-sub.Events()
	require.False(t, ok, "subscription should close after the terminal event")
}

func TestSubscribeSuppressedTerminalStillCloses(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	b, client := newTestBus(log)
	ctx := context.Background()
	ch := bus.Channel("run-1")

	seed(t, log, ch, "run-1", 3)

	sub, err := b.Subscribe(ctx, ch, bus.WithFromSequence(3))
	require.NoError(t, err)
	defer sub.Close()

	// A live terminal event at or below the cursor is not delivered but
	// still ends the stream.
	client.stream(streamName(ch)).deliver(t, sequencedTerminal("run-1", 3))

	select {
	case evt, ok := <-sub.Events():
		require.False(t, ok, "unexpected event %+v at the cursor", evt)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close on the suppressed terminal event")
	}
}

func TestSubscribeReplayWindowExceeded(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	b, _ := newTestBus(log)
	ctx := context.Background()
	ch := bus.Channel("run-1")

	// Simulate a trimmed log: only sequences 50..52 retained.
	log.head[ch] = 52
	for seq := uint64(50); seq <= 52; seq++ {
		log.entries[ch] = append(log.entries[ch], fakeEntry(t, "run-1", seq))
	}

	_, err := b.Subscribe(ctx, ch, bus.WithFromSequence(5))
	require.ErrorIs(t, err, bus.ErrReplayWindowExceeded)

	sub, err := b.Subscribe(ctx, ch, bus.WithFromSequence(49))
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, uint64(50), recv(t, sub).Sequence)
}

func TestSubscribeExpiredHistoryExceedsWindow(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	b, _ := newTestBus(log)
	ch := bus.Channel("run-1")

	// TTL expired the whole log but the counter shows history existed.
	log.head[ch] = 10

	_, err := b.Subscribe(context.Background(), ch, bus.WithFromSequence(3))
	require.ErrorIs(t, err, bus.ErrReplayWindowExceeded)
}

func TestSubscribeTerminalInReplayCloses(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	b, _ := newTestBus(log)
	ch := bus.Channel("run-1")

	seed(t, log, ch, "run-1", 2)
	terminal := event.NewComplete("run-1", json.RawMessage(`{"x":1}`), time.Second)
	encoded, err := event.Encode(terminal)
	require.NoError(t, err)
	_, err = log.Append(context.Background(), ch, encoded, true)
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background(), ch)
	require.NoError(t, err)
	defer sub.Close()

	var types []event.Type
	for evt := range sub.Events() {
		types = append(types, evt.Type)
	}
	require.Equal(t, []event.Type{event.TypeProgress, event.TypeProgress, event.TypeComplete}, types)
}

func TestParseEntry(t *testing.T) {
	t.Parallel()

	entry, err := parseEntry([]byte(`42|{"id":"e1"}`))
	require.NoError(t, err)
	require.Equal(t, uint64(42), entry.seq)
	require.JSONEq(t, `{"id":"e1"}`, string(entry.payload))

	_, err = parseEntry([]byte(`no-separator`))
	require.Error(t, err)
	_, err = parseEntry([]byte(`x|{}`))
	require.Error(t, err)
}

// seed appends n progress events through the fake log.
func seed(t *testing.T, log *fakeLog, channel, runID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		evt, err := event.NewProgress(runID, "work", 0.5, "")
		require.NoError(t, err)
		encoded, err := event.Encode(evt)
		require.NoError(t, err)
		_, err = log.Append(context.Background(), channel, encoded, false)
		require.NoError(t, err)
	}
}

func sequencedProgress(t *testing.T, runID string, seq uint64) []byte {
	t.Helper()
	evt, err := event.NewProgress(runID, "work", 0.5, "")
	require.NoError(t, err)
	evt.Sequence = seq
	encoded, err := event.Encode(evt)
	require.NoError(t, err)
	return encoded
}

func sequencedTerminal(runID string, seq uint64) []byte {
	evt := event.NewComplete(runID, json.RawMessage(`{}`), time.Second)
	evt.Sequence = seq
	encoded, _ := event.Encode(evt)
	return encoded
}

func fakeEntry(t *testing.T, runID string, seq uint64) logEntry {
	t.Helper()
	evt, err := event.NewProgress(runID, "work", 0.5, "")
	require.NoError(t, err)
	encoded, err := event.Encode(evt)
	require.NoError(t, err)
	return logEntry{seq: seq, payload: encoded}
}

func recv(t *testing.T, sub *bus.Subscription) *event.Event {
	t.Helper()
	select {
	case evt := <-sub.Events():
		require.NotNil(t, evt)
		return evt
	case err := <-sub.Errs():
		t.Fatalf("unexpected subscription error: %v", err)
		return nil
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// fakeLog implements appendLog in memory with injectable failures.
type fakeLog struct {
	mu       sync.Mutex
	entries  map[string][]logEntry
	head     map[string]uint64
	terminal map[string]bool
	failures int
	attempts int
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		entries:  make(map[string][]logEntry),
		head:     make(map[string]uint64),
		terminal: make(map[string]bool),
	}
}

func (l *fakeLog) Append(_ context.Context, channel string, encoded []byte, terminal bool) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.failures > 0 {
		l.failures--
		return 0, errors.New("connection refused")
	}
	if l.terminal[channel] {
		return 0, errChannelEnded
	}
	l.head[channel]++
	seq := l.head[channel]
	l.entries[channel] = append(l.entries[channel], logEntry{seq: seq, payload: encoded})
	if terminal {
		l.terminal[channel] = true
	}
	return seq, nil
}

func (l *fakeLog) Range(_ context.Context, channel string) ([]logEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), l.entries[channel]...), nil
}

func (l *fakeLog) Head(_ context.Context, channel string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head[channel], nil
}

// mockClient implements clientspulse.Client with in-process streams.
type mockClient struct {
	mu      sync.Mutex
	streams map[string]*mockStream
}

func newMockClient() *mockClient {
	return &mockClient{streams: make(map[string]*mockStream)}
}

func (c *mockClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return c.stream(name), nil
}

func (c *mockClient) Close(context.Context) error { return nil }

func (c *mockClient) stream(name string) *mockStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &mockStream{name: name}
		c.streams[name] = s
	}
	return s
}

// mockStream captures published payloads and fans events out to sinks.
type mockStream struct {
	mu    sync.Mutex
	name  string
	added [][]byte
	sinks []*mockSink
}

func (s *mockStream) Add(_ context.Context, _ string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, payload)
	return "0-0", nil
}

func (s *mockStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink := &mockSink{events: make(chan *streaming.Event, 32)}
	s.sinks = append(s.sinks, sink)
	return sink, nil
}

func (s *mockStream) Destroy(context.Context) error { return nil }

// deliver pushes a raw payload to every sink as a live event.
func (s *mockStream) deliver(t *testing.T, payload []byte) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sink := range s.sinks {
		select {
		case sink.events <- &streaming.Event{EventName: "event", Payload: payload}:
		default:
			t.Fatal("mock sink buffer full")
		}
	}
}

type mockSink struct {
	events    chan *streaming.Event
	closeOnce sync.Once
}

func (s *mockSink) Subscribe() <-chan *streaming.Event { return s.events }

func (s *mockSink) Ack(context.Context, *streaming.Event) error { return nil }

func (s *mockSink) Close(context.Context) {
	s.closeOnce.Do(func() { close(s.events) })
}
