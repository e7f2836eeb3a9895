package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dockrion/runstream/run"
)

func TestNewStoreRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestStoreDelegatesToClient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := &stubClient{}
	store, err := NewStore(client)
	require.NoError(t, err)

	rec := run.Run{RunID: "run-1", Status: run.StatusAccepted, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Create(ctx, rec))
	require.Equal(t, "create", client.calls[0])

	rec.Status = run.StatusRunning
	require.NoError(t, store.Update(ctx, rec))
	require.Equal(t, "update", client.calls[1])

	loaded, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, loaded.Status)
	require.Equal(t, "load", client.calls[2])
}

// stubClient records calls and keeps the last written record.
type stubClient struct {
	calls []string
	last  run.Run
}

func (c *stubClient) Name() string               { return "stub" }
func (c *stubClient) Ping(context.Context) error { return nil }
func (c *stubClient) CreateRun(_ context.Context, r run.Run) error {
	c.calls = append(c.calls, "create")
	c.last = r
	return nil
}
func (c *stubClient) UpdateRun(_ context.Context, r run.Run) error {
	c.calls = append(c.calls, "update")
	c.last = r
	return nil
}
func (c *stubClient) LoadRun(context.Context, string) (run.Run, error) {
	c.calls = append(c.calls, "load")
	return c.last, nil
}
