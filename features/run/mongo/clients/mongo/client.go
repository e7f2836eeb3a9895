// Package mongo hosts the MongoDB client used by the durable run store.
// Callers build a *mongo.Client, pass it to New, and receive a typed
// interface exposing only the run record operations the store needs.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/dockrion/runstream/run"
)

const (
	defaultRunsCollection = "runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

// Client exposes Mongo-backed operations for run records.
type Client interface {
	health.Pinger

	CreateRun(ctx context.Context, r run.Run) error
	UpdateRun(ctx context.Context, r run.Run) error
	LoadRun(ctx context.Context, runID string) (run.Run, error)
}

// Options configures the Mongo run client.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Collection overrides the runs collection name. Defaults to "runs".
	Collection string
	// Timeout bounds individual operations. Defaults to 5s.
	Timeout time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB. It ensures the unique run_id
// index so duplicate run ids fail fast at the database.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateRun(ctx context.Context, r run.Run) error {
	if r.RunID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.InsertOne(ctx, r)
	if mongodriver.IsDuplicateKeyError(err) {
		return run.ErrConflict
	}
	return err
}

func (c *client) UpdateRun(ctx context.Context, r run.Run) error {
	if r.RunID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.coll.ReplaceOne(ctx, bson.M{"run_id": r.RunID}, r)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return run.ErrNotFound
	}
	return nil
}

func (c *client) LoadRun(ctx context.Context, runID string) (run.Run, error) {
	if runID == "" {
		return run.Run{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var r run.Run
	if err := c.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&r); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Run{}, run.ErrNotFound
		}
		return run.Run{}, err
	}
	return r, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
