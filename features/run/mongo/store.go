// Package mongo provides a MongoDB-backed implementation of run.Store for
// multi-instance deployments. Build the low-level client via
// features/run/mongo/clients/mongo and pass it to NewStore so status
// queries resolve from shared storage on any instance.
package mongo

import (
	"context"
	"errors"

	mongoc "github.com/dockrion/runstream/features/run/mongo/clients/mongo"
	"github.com/dockrion/runstream/run"
)

// Store implements run.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Create implements run.Store.
func (s *Store) Create(ctx context.Context, r run.Run) error {
	return s.client.CreateRun(ctx, r)
}

// Update implements run.Store.
func (s *Store) Update(ctx context.Context, r run.Run) error {
	return s.client.UpdateRun(ctx, r)
}

// Load implements run.Store.
func (s *Store) Load(ctx context.Context, runID string) (run.Run, error) {
	return s.client.LoadRun(ctx, runID)
}
