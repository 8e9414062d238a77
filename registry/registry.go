// Package registry maps task identifiers to workflow functions. Registration
// is in-memory and must happen before an attempt runs; sharded deployments
// can supply an external Resolver consulted when the local map misses.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/perdura/durable/dctx"
)

// ErrNotRegistered indicates no workflow function is known for a task id.
var ErrNotRegistered = errors.New("task not registered")

type (
	// Task binds a workflow function to its identifier.
	Task struct {
		// ID is the unique task identifier.
		ID string
		// Handler is the workflow entry point executed on every attempt.
		Handler dctx.WorkflowFunc
	}

	// Resolver looks up tasks that are not registered locally. Implementations
	// return ErrNotRegistered (or nil, nil) when the task is unknown.
	Resolver interface {
		Resolve(ctx context.Context, id string) (*Task, error)
	}

	// Registry is the in-memory task map with an optional external resolver.
	// All methods are safe for concurrent use.
	Registry struct {
		mu       sync.RWMutex
		tasks    map[string]*Task
		resolver Resolver
	}
)

// New constructs a Registry. The resolver may be nil.
func New(resolver Resolver) *Registry {
	return &Registry{
		tasks:    make(map[string]*Task),
		resolver: resolver,
	}
}

// Register adds a task to the registry. Registering the same id again is
// idempotent and replaces the handler.
func (r *Registry) Register(task *Task) error {
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task %q has no handler", task.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

// Find returns the task for id, consulting the external resolver when the
// local map misses. Returns ErrNotRegistered when the task is unknown.
func (r *Registry) Find(ctx context.Context, id string) (*Task, error) {
	r.mu.RLock()
	task, ok := r.tasks[id]
	r.mu.RUnlock()
	if ok {
		return task, nil
	}
	if r.resolver == nil {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotRegistered)
	}
	task, err := r.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotRegistered)
	}
	return task, nil
}
