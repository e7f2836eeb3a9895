package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	busmem "github.com/dockrion/runstream/bus/inmem"
	"github.com/dockrion/runstream/event"
	"github.com/dockrion/runstream/manager"
	"github.com/dockrion/runstream/run"
	runmem "github.com/dockrion/runstream/run/inmem"
	"github.com/dockrion/runstream/stream"
)

// echoProducer emits one progress event and completes with the input.
func echoProducer(input json.RawMessage) manager.Producer {
	return func(ctx context.Context, sc *stream.Context) (json.RawMessage, error) {
		if err := sc.EmitProgress(ctx, "echo", 0.5, "echoing input"); err != nil {
			return nil, err
		}
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return input, nil
	}
}

func newTestServer(t *testing.T, opts Options, producer ProducerFactory) *httptest.Server {
	t.Helper()
	b := busmem.New()
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	m, err := manager.New(manager.Options{Store: runmem.New(), Bus: b})
	require.NoError(t, err)
	if producer == nil {
		producer = echoProducer
	}
	opts.Manager = m
	opts.Bus = b
	opts.Producer = producer
	g, err := New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(g.Handler(log.Context(context.Background())))
	t.Cleanup(ts.Close)
	return ts
}

func newTestServerWithBus(t *testing.T, b *busmem.Bus, opts Options, producer ProducerFactory) *httptest.Server {
	t.Helper()
	m, err := manager.New(manager.Options{Store: runmem.New(), Bus: b})
	require.NoError(t, err)
	if producer == nil {
		producer = echoProducer
	}
	opts.Manager = m
	opts.Bus = b
	opts.Producer = producer
	g, err := New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(g.Handler(log.Context(context.Background())))
	t.Cleanup(ts.Close)
	return ts
}

type sseFrame struct {
	ID    string
	Event string
	Data  string
}

// readSSE drains a text/event-stream body into frames.
func readSSE(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	var (
		frames []sseFrame
		cur    sseFrame
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Event != "" || cur.Data != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	return resp
}

func TestCreateRun(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{}, nil)

	resp := postJSON(t, ts.URL+"/runs", `{"run_id":"abc-1","input":{"query":"hi"}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created createRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, "abc-1", created.RunID)
	require.Equal(t, run.StatusAccepted, created.Status)
	require.Equal(t, "/runs/abc-1/events", created.EventsURL)
	require.False(t, created.CreatedAt.IsZero())

	// Duplicate id.
	resp = postJSON(t, ts.URL+"/runs", `{"run_id":"abc-1"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Invalid id.
	resp = postJSON(t, ts.URL+"/runs", `{"run_id":"not ok!"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Malformed body.
	resp = postJSON(t, ts.URL+"/runs", `{`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateRunSchemaValidation(t *testing.T) {
	t.Parallel()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(`{
		"type": "object",
		"required": ["query"],
		"properties": {"query": {"type": "string"}}
	}`))
	require.NoError(t, err)
	c := jsonschema.NewCompiler()
	require.NoError(t, c.AddResource("input.json", doc))
	sch, err := c.Compile("input.json")
	require.NoError(t, err)

	ts := newTestServer(t, Options{InputSchema: sch}, nil)

	resp := postJSON(t, ts.URL+"/runs", `{"run_id":"v1","input":{"city":"Paris"}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var herr errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&herr))
	require.Equal(t, "invalid_input", herr.Code)

	resp = postJSON(t, ts.URL+"/runs", `{"run_id":"v2","input":{"query":"Paris"}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{}, nil)

	resp, err := http.Get(ts.URL + "/runs/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/runs", `{"run_id":"g1"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/runs/g1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var rec run.Run
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return false
		}
		return resp.StatusCode == http.StatusOK && rec.Status == run.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStreamEventsReplay(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{}, nil)

	resp := postJSON(t, ts.URL+"/runs", `{"run_id":"abc-1","input":{"n":1}}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Attach after the run likely finished: replay must deliver the full
	// history and close after the terminal event.
	resp, err := http.Get(ts.URL + "/runs/abc-1/events?from_sequence=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readSSE(t, resp.Body)
	require.Len(t, frames, 3)
	require.Equal(t, "started", frames[0].Event)
	require.Equal(t, "1", frames[0].ID)
	require.Equal(t, "progress", frames[1].Event)
	require.Equal(t, "complete", frames[2].Event)
	require.Equal(t, "3", frames[2].ID)

	evt, err := event.Decode([]byte(frames[2].Data))
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(evt.Payload.(event.CompletePayload).Output))

	// Resume past the first event.
	resp, err = http.Get(ts.URL + "/runs/abc-1/events?from_sequence=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	frames = readSSE(t, resp.Body)
	require.Len(t, frames, 2)
	require.Equal(t, "progress", frames[0].Event)
}

func TestStreamEventsUnknownRun(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{}, nil)
	resp, err := http.Get(ts.URL + "/runs/ghost/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestStreamEventsReplayWindowExceeded(t *testing.T) {
	t.Parallel()

	b := busmem.New(busmem.WithMaxEventsPerChannel(5))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	chatty := func(json.RawMessage) manager.Producer {
		return func(ctx context.Context, sc *stream.Context) (json.RawMessage, error) {
			for i := 0; i < 60; i++ {
				if err := sc.EmitToken(ctx, fmt.Sprintf("t%d", i), ""); err != nil {
					return nil, err
				}
			}
			return json.RawMessage(`{}`), nil
		}
	}
	ts := newTestServerWithBus(t, b, Options{}, chatty)

	resp := postJSON(t, ts.URL+"/runs", `{"run_id":"long-run"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/runs/long-run")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var rec run.Run
		_ = json.NewDecoder(resp.Body).Decode(&rec)
		return rec.Status == run.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(ts.URL + "/runs/long-run/events?from_sequence=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGone, resp.StatusCode)
	var herr errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&herr))
	require.Equal(t, "replay_window_exceeded", herr.Code)
}

func TestStreamEventsHeartbeat(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	blocking := func(json.RawMessage) manager.Producer {
		return func(ctx context.Context, _ *stream.Context) (json.RawMessage, error) {
			select {
			case <-release:
				return json.RawMessage(`{}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	ts := newTestServer(t, Options{Heartbeat: 30 * time.Millisecond}, blocking)

	resp := postJSON(t, ts.URL+"/runs", `{"run_id":"hb"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/runs/hb/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	done := make(chan []sseFrame, 1)
	go func() { done <- readSSE(t, resp.Body) }()

	// Let a couple of heartbeats through, then finish the run.
	time.Sleep(100 * time.Millisecond)
	close(release)

	frames := <-done
	require.GreaterOrEqual(t, len(frames), 3)
	require.Equal(t, "started", frames[0].Event)
	require.Equal(t, "heartbeat", frames[1].Event)
	require.Empty(t, frames[1].ID, "heartbeats are not sequenced")
	require.Equal(t, "complete", frames[len(frames)-1].Event)
}

func TestCancelRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stubborn := func(json.RawMessage) manager.Producer {
		return func(context.Context, *stream.Context) (json.RawMessage, error) {
			<-release
			return nil, context.Canceled
		}
	}
	ts := newTestServer(t, Options{}, stubborn)
	client := ts.Client()

	del := func(id string) *http.Response {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/runs/"+id, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := del("ghost")
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/runs", `{"run_id":"c1"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = del("c1")
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var rec run.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	require.Equal(t, run.StatusRunning, rec.Status)

	// The producer ignores cancellation; the grace timer force-cancels.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/runs/c1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var rec run.Run
		_ = json.NewDecoder(resp.Body).Decode(&rec)
		return rec.Status == run.StatusCancelled
	}, 10*time.Second, 50*time.Millisecond)

	// Deleting a cancelled run reports success.
	resp = del("c1")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCancelCompletedRunConflicts(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{}, nil)
	resp := postJSON(t, ts.URL+"/runs", `{"run_id":"done-1"}`)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/runs/done-1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var rec run.Run
		_ = json.NewDecoder(resp.Body).Decode(&rec)
		return rec.Status == run.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/runs/done-1", nil)
	require.NoError(t, err)
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInvokeStream(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{}, nil)

	resp := postJSON(t, ts.URL+"/invoke/stream", `{"query":"hello"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readSSE(t, resp.Body)
	require.Len(t, frames, 3)
	require.Equal(t, "started", frames[0].Event)
	require.Equal(t, "progress", frames[1].Event)
	require.Equal(t, "complete", frames[2].Event)

	evt, err := event.Decode([]byte(frames[2].Data))
	require.NoError(t, err)
	require.JSONEq(t, `{"query":"hello"}`, string(evt.Payload.(event.CompletePayload).Output))

	resp = postJSON(t, ts.URL+"/invoke/stream", `not json`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateRunRateLimited(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{RateLimit: rate.Every(time.Hour), RateBurst: 1}, nil)

	resp := postJSON(t, ts.URL+"/runs", `{"run_id":"r1"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/runs", `{"run_id":"r2"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{}, nil)
	for _, path := range []string{"/healthz", "/livez"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}
