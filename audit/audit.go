// Package audit implements the best-effort audit trail. Entries are written
// to the Store (when it supports audit persistence and auditing is enabled)
// and fanned out to an optional emitter through a bounded channel that drops
// under pressure. Audit failures are swallowed by design: losing history must
// never affect workflow correctness.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/store"
	"github.com/perdura/durable/telemetry"
)

// emitBuffer bounds the emitter channel; entries beyond it are dropped and
// counted on the audit.dropped metric.
const emitBuffer = 256

type (
	// Emitter receives audit entries for streaming. Implementations may block;
	// the logger decouples them from the hot path via a buffered channel.
	Emitter interface {
		Emit(ctx context.Context, entry *api.AuditEntry)
	}

	// Options configures the audit Logger.
	Options struct {
		// Store receives entries when it implements store.AuditSink and
		// Enabled is true.
		Store store.Store
		// Enabled turns on persistence to the Store.
		Enabled bool
		// Emitter optionally streams entries; nil disables streaming.
		Emitter Emitter
		// Logger reports swallowed failures at debug level.
		Logger telemetry.Logger
		// Metrics counts dropped emitter entries.
		Metrics telemetry.Metrics
	}

	// Logger records audit entries. All methods are safe for concurrent use
	// and never return errors.
	Logger struct {
		sink    store.AuditSink
		emitter Emitter
		logger  telemetry.Logger
		metrics telemetry.Metrics

		ch        chan *api.AuditEntry
		closeOnce sync.Once
		done      chan struct{}
	}
)

// New constructs an audit Logger. When an emitter is configured a background
// goroutine drains the emit channel until Close is called.
func New(opts Options) *Logger {
	l := &Logger{
		emitter: opts.Emitter,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
	if l.logger == nil {
		l.logger = telemetry.NewNoopLogger()
	}
	if l.metrics == nil {
		l.metrics = telemetry.NewNoopMetrics()
	}
	if opts.Enabled {
		if sink, ok := opts.Store.(store.AuditSink); ok {
			l.sink = sink
		}
	}
	if l.emitter != nil {
		l.ch = make(chan *api.AuditEntry, emitBuffer)
		go l.drain()
	}
	return l
}

// Record persists and emits one audit entry. Failures in either sink are
// swallowed.
func (l *Logger) Record(ctx context.Context, executionID string, attempt int, kind api.AuditKind, fields map[string]any) {
	now := time.Now().UTC()
	entry := &api.AuditEntry{
		ID:          fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.NewString()),
		ExecutionID: executionID,
		At:          now,
		Attempt:     attempt,
		Kind:        kind,
		Fields:      fields,
	}
	if l.sink != nil {
		if err := l.sink.AppendAuditEntry(ctx, entry); err != nil {
			l.logger.Debug(ctx, "audit append failed", "execution_id", executionID, "kind", string(kind), "err", err.Error())
		}
	}
	if l.ch != nil {
		select {
		case l.ch <- entry:
		default:
			l.metrics.IncCounter("audit.dropped", 1, "kind", string(kind))
		}
	}
}

// Close stops the emitter drain goroutine. Entries still buffered are
// delivered before Close returns.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		if l.ch != nil {
			close(l.ch)
			<-l.done
		}
	})
}

func (l *Logger) drain() {
	defer close(l.done)
	for entry := range l.ch {
		l.emitter.Emit(context.Background(), entry)
	}
}
