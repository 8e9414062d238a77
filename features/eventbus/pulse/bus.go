// Package pulse implements the event bus over goa.design/pulse streams on
// Redis. Every logical channel maps to one stream; each subscription opens
// its own uniquely named sink, so all subscribers across all processes see
// every event.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perdura/durable/eventbus"
	clientspulse "github.com/perdura/durable/features/eventbus/pulse/clients/pulse"
	"github.com/perdura/durable/telemetry"
)

// streamPrefix namespaces engine streams in Redis.
const streamPrefix = "durable"

type (
	// BusOptions configures the Pulse event bus.
	BusOptions struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		Logger telemetry.Logger
	}

	// Bus is the Pulse-backed event bus.
	Bus struct {
		client clientspulse.Client
		logger telemetry.Logger
	}

	// envelope is the wire form of an event.
	envelope struct {
		Type      string          `json:"type"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}

	subscription struct {
		cancel context.CancelFunc
		sink   clientspulse.Sink
		once   sync.Once
	}
)

var _ eventbus.EventBus = (*Bus)(nil)

// NewBus constructs a Pulse event bus.
func NewBus(opts BusOptions) (*Bus, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("pulse client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{client: opts.Client, logger: logger}, nil
}

// Publish appends the event to the channel's stream.
func (b *Bus) Publish(ctx context.Context, channel string, event eventbus.Event) error {
	str, err := b.client.Stream(streamName(channel))
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{
		Type:      event.Type,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if _, err := str.Add(ctx, event.Type, data); err != nil {
		return err
	}
	return nil
}

// Subscribe opens a dedicated sink on the channel's stream and pumps decoded
// events into handler until the subscription is closed.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler eventbus.Handler) (eventbus.Subscription, error) {
	str, err := b.client.Stream(streamName(channel))
	if err != nil {
		return nil, err
	}
	// A unique sink name per subscription turns consumer-group delivery into
	// fan-out: every subscriber gets every event.
	sink, err := str.NewSink(ctx, "sub-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, sink: sink}
	go b.consume(runCtx, channel, sink, handler)
	return sub, nil
}

func (b *Bus) consume(ctx context.Context, channel string, sink clientspulse.Sink, handler eventbus.Handler) {
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				b.logger.Warn(ctx, "dropping undecodable bus event", "channel", channel, "err", err.Error())
			} else {
				handler(ctx, eventbus.Event{
					Type:      env.Type,
					Payload:   env.Payload,
					Timestamp: env.Timestamp,
				})
			}
			if err := sink.Ack(ctx, evt); err != nil && ctx.Err() == nil {
				b.logger.Warn(ctx, "ack bus event failed", "channel", channel, "err", err.Error())
			}
		}
	}
}

// Close stops the subscription's sink. Idempotent.
func (s *subscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.cancel()
		s.sink.Close(ctx)
	})
	return nil
}

// streamName maps a logical channel to a Pulse stream name. Pulse restricts
// names to word characters and dashes, so separators are folded.
func streamName(channel string) string {
	return streamPrefix + "-" + strings.NewReplacer(":", "-", "/", "-").Replace(channel)
}
