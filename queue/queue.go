// Package queue defines the at-least-once work delivery contract between the
// engine and its workers. Deliveries may be duplicated or reordered; the
// Store deduplicates work through execution status, so handlers must treat
// every message as a hint to re-examine persisted state rather than as a
// command that something is true.
package queue

import (
	"context"

	"github.com/perdura/durable/api"
)

// MessageType discriminates queue messages.
type MessageType string

const (
	// MessageExecute asks a worker to run the first attempt of an execution.
	MessageExecute MessageType = "execute"
	// MessageResume asks a worker to run the next attempt after a suspension
	// or retry.
	MessageResume MessageType = "resume"
	// MessageSchedule is reserved for schedule fan-out deployments; the
	// built-in polling loop fires schedules directly.
	MessageSchedule MessageType = "schedule"
)

type (
	// Message is one unit of work.
	Message struct {
		// Type selects the handler behavior.
		Type MessageType `json:"type"`
		// ExecutionID identifies the execution to process.
		ExecutionID string `json:"execution_id"`
		// Payload carries optional message context.
		Payload api.Payload `json:"payload,omitempty"`
		// MaxAttempts caps delivery retries for backends that support it.
		MaxAttempts int `json:"max_attempts,omitempty"`
	}

	// Delivery wraps a consumed message with its acknowledgement handle.
	Delivery struct {
		Message Message
		// Ack acknowledges successful processing.
		Ack func(ctx context.Context) error
		// Nack signals failure; requeue asks the backend to redeliver.
		Nack func(ctx context.Context, requeue bool) error
	}

	// Handler processes one delivery. Returning an error nacks the delivery
	// with requeue; returning nil acks it.
	Handler func(ctx context.Context, msg Message) error

	// Queue delivers execute/resume/schedule messages to workers with
	// at-least-once semantics.
	Queue interface {
		// Enqueue publishes a message.
		Enqueue(ctx context.Context, msg Message) error
		// Consume invokes handler for each delivery until ctx is cancelled.
		// Implementations ack on nil return and nack-with-requeue on error.
		Consume(ctx context.Context, handler Handler) error
	}
)
