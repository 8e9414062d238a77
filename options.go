package durable

import (
	"time"

	"github.com/perdura/durable/audit"
	"github.com/perdura/durable/dctx"
	"github.com/perdura/durable/eventbus"
	"github.com/perdura/durable/execution"
	"github.com/perdura/durable/queue"
	"github.com/perdura/durable/registry"
	"github.com/perdura/durable/store"
	"github.com/perdura/durable/telemetry"
)

type (
	// Option customizes the Service.
	Option func(*options)

	options struct {
		store    store.Store
		queue    queue.Queue
		bus      eventbus.EventBus
		resolver registry.Resolver
		executor execution.TaskExecutor
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		maxAttempts          int
		executionTimeout     time.Duration
		kickoffFailsafeDelay time.Duration
		pollingInterval      time.Duration
		pollingDisabled      bool
		claimTTL             time.Duration
		waitPollInterval     time.Duration
		implicitIDs          dctx.ImplicitIDPolicy

		auditEnabled bool
		auditEmitter audit.Emitter
	}
)

func defaultOptions() *options {
	return &options{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
}

// WithStore sets the persistence backend. Required.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithQueue switches the service to queue mode: attempts are dispatched as
// messages and processed by the consumer loop instead of in-process
// goroutines.
func WithQueue(q queue.Queue) Option {
	return func(o *options) { o.queue = q }
}

// WithEventBus enables finish notifications and workflow event fan-out.
func WithEventBus(b eventbus.EventBus) Option {
	return func(o *options) { o.bus = b }
}

// WithResolver adds an external task resolver consulted when the local
// registry misses.
func WithResolver(r registry.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithTaskExecutor overrides the attempt dispatch strategy.
func WithTaskExecutor(e execution.TaskExecutor) Option {
	return func(o *options) { o.executor = e }
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMaxAttempts sets the default retry budget for new executions.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithExecutionTimeout bounds new executions' total wall-clock time measured
// from creation. Zero disables the bound.
func WithExecutionTimeout(d time.Duration) Option {
	return func(o *options) { o.executionTimeout = d }
}

// WithKickoffFailsafeDelay sets how long a pending execution may sit before
// the polling loop re-dispatches it.
func WithKickoffFailsafeDelay(d time.Duration) Option {
	return func(o *options) { o.kickoffFailsafeDelay = d }
}

// WithPollingInterval sets the timer poll cadence.
func WithPollingInterval(d time.Duration) Option {
	return func(o *options) { o.pollingInterval = d }
}

// WithPollingDisabled turns the polling loop off. Sleeps, retries, and
// schedules then rely on an external poller sharing the store.
func WithPollingDisabled() Option {
	return func(o *options) { o.pollingDisabled = true }
}

// WithClaimTTL sets the timer claim lease duration.
func WithClaimTTL(d time.Duration) Option {
	return func(o *options) { o.claimTTL = d }
}

// WithWaitPollInterval sets the store poll cadence for synchronous waits.
func WithWaitPollInterval(d time.Duration) Option {
	return func(o *options) { o.waitPollInterval = d }
}

// WithImplicitStepIDPolicy sets how implicit internal step ids are treated.
func WithImplicitStepIDPolicy(p dctx.ImplicitIDPolicy) Option {
	return func(o *options) { o.implicitIDs = p }
}

// WithAudit enables audit persistence when the store supports it.
func WithAudit(enabled bool) Option {
	return func(o *options) { o.auditEnabled = enabled }
}

// WithAuditEmitter streams audit entries to an external sink.
func WithAuditEmitter(e audit.Emitter) Option {
	return func(o *options) { o.auditEmitter = e }
}
