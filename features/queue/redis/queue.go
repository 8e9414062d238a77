// Package redis implements the work queue on a Redis list: LPUSH to enqueue,
// blocking BRPOP to consume. Delivery is at-least-once across processes in
// the common case; a consumer crash between pop and processing loses that
// delivery, which the engine absorbs through kickoff failsafe and retry
// timers re-dispatching the execution.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	clientsredis "github.com/perdura/durable/features/store/redis/clients/redis"
	"github.com/perdura/durable/queue"
	"github.com/perdura/durable/telemetry"
)

// popTimeout bounds each BRPOP so consumers notice context cancellation.
const popTimeout = time.Second

type (
	// Options configures the Redis queue.
	Options struct {
		// Client is the shared Redis client wrapper. Required.
		Client *clientsredis.Client
		// ListName overrides the queue list key suffix. Defaults to "queue".
		ListName string
		Logger   telemetry.Logger
	}

	// Queue is the Redis-backed work queue.
	Queue struct {
		client *clientsredis.Client
		key    string
		logger telemetry.Logger
	}
)

var _ queue.Queue = (*Queue)(nil)

// New constructs a Redis queue.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	name := opts.ListName
	if name == "" {
		name = "queue"
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Queue{
		client: opts.Client,
		key:    opts.Client.Key(name),
		logger: logger,
	}, nil
}

// Enqueue publishes a message.
func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if err := q.client.R().LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

// Consume pops and handles messages until ctx is cancelled. A handler error
// requeues the message at the back of the list.
func (q *Queue) Consume(ctx context.Context, handler queue.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := q.client.R().BRPop(ctx, popTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn(ctx, "queue pop failed", "err", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPop returns [key, value].
		var msg queue.Message
		if err := json.Unmarshal([]byte(rows[1]), &msg); err != nil {
			q.logger.Error(ctx, "dropping undecodable queue message", "err", err.Error())
			continue
		}
		if err := handler(ctx, msg); err != nil {
			q.logger.Warn(ctx, "queue handler failed, requeueing",
				"execution_id", msg.ExecutionID, "err", err.Error())
			if reErr := q.Enqueue(context.WithoutCancel(ctx), msg); reErr != nil {
				q.logger.Error(ctx, "requeue failed", "execution_id", msg.ExecutionID, "err", reErr.Error())
			}
		}
	}
}
