// Package eventbus defines the pub/sub contract used for completion
// notification. The primary channel is "execution:<id>" carrying a single
// "finished" event type. Notifications are advisory: subscribers re-read the
// Store on every event and never trust the payload, so lost or duplicated
// publishes degrade latency, not correctness.
package eventbus

import (
	"context"
	"time"

	"github.com/perdura/durable/api"
)

// EventFinished is published on "execution:<id>" when an execution reaches a
// terminal state.
const EventFinished = "finished"

// ExecutionChannel returns the notification channel name for an execution.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}

type (
	// Event is a bus notification.
	Event struct {
		// Type names the event ("finished").
		Type string `json:"type"`
		// Payload carries optional event context.
		Payload api.Payload `json:"payload,omitempty"`
		// Timestamp records publish time (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Handler receives events published on a subscribed channel.
	Handler func(ctx context.Context, event Event)

	// Subscription is a live handler registration. Close unsubscribes; it is
	// idempotent.
	Subscription interface {
		Close(ctx context.Context) error
	}

	// EventBus is the pub/sub surface. Publish is best-effort: failures are
	// logged by callers and never affect workflow state transitions.
	EventBus interface {
		// Publish sends an event to every subscriber of channel.
		Publish(ctx context.Context, channel string, event Event) error
		// Subscribe registers handler for events on channel and returns the
		// registration handle.
		Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	}
)
