// Package telemetry defines the logging and metrics abstractions used across
// the engine, with implementations backed by goa.design/clue/log and OTEL
// metrics plus no-op fallbacks. Managers log through these interfaces so the
// engine stays usable in processes that configure neither.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log messages with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for engine operations.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}
)
