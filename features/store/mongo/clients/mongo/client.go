// Package mongo provides the MongoDB connection wrapper used by the Mongo
// store. Callers pass an existing driver client or a URI; the wrapper owns
// database selection, per-operation timeouts, and index creation so the store
// stays focused on document shapes.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultDatabase is the database name used when Options leave it empty.
const DefaultDatabase = "durable"

// Collection names.
const (
	CollExecutions  = "executions"
	CollSteps       = "step_results"
	CollTimers      = "timers"
	CollClaims      = "timer_claims"
	CollSchedules   = "schedules"
	CollAudit       = "audit_entries"
	CollLocks       = "locks"
	CollIdempotency = "idempotency_keys"
)

type (
	// Options configures the client.
	Options struct {
		// Client is an existing driver client. Takes precedence over URI.
		Client *mongo.Client
		// URI is a mongodb:// connection string used when Client is nil.
		URI string
		// Database selects the database. Defaults to DefaultDatabase.
		Database string
		// OperationTimeout bounds individual operations. Zero disables.
		OperationTimeout time.Duration
	}

	// Client wraps a Mongo database handle with timeouts and index setup.
	Client struct {
		client   *mongo.Client
		db       *mongo.Database
		timeout  time.Duration
		ownsConn bool
	}
)

// New constructs a Client from an existing driver client or URI.
func New(opts Options) (*Client, error) {
	client := opts.Client
	owns := false
	if client == nil {
		if opts.URI == "" {
			return nil, errors.New("mongo client or URI is required")
		}
		var err error
		client, err = mongo.Connect(options.Client().ApplyURI(opts.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		owns = true
	}
	database := opts.Database
	if database == "" {
		database = DefaultDatabase
	}
	return &Client{
		client:   client,
		db:       client.Database(database),
		timeout:  opts.OperationTimeout,
		ownsConn: owns,
	}, nil
}

// Collection returns a handle to the named collection.
func (c *Client) Collection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

// Context bounds ctx with the operation timeout when one is configured.
func (c *Client) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

// EnsureIndexes creates the indexes the store queries depend on. Safe to call
// repeatedly.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := c.Context(ctx)
	defer cancel()
	specs := map[string][]mongo.IndexModel{
		CollExecutions: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		},
		CollSteps: {
			{
				Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "step_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		CollTimers: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "fire_at", Value: 1}}},
		},
		CollAudit: {
			{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "_id", Value: 1}}},
		},
		CollLocks: {
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
		},
		CollClaims: {
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
		},
	}
	for coll, models := range specs {
		if _, err := c.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.Context(ctx)
	defer cancel()
	return c.client.Ping(ctx, nil)
}

// Close disconnects when this client created the connection.
func (c *Client) Close(ctx context.Context) error {
	if !c.ownsConn {
		return nil
	}
	return c.client.Disconnect(ctx)
}
