// Package executor drives deferred work: a polling acquisition cycle
// locks due jobs against the store, and a bounded pool executes them
// with retry and incident handling.
package executor

import (
	"context"
	"fmt"

	"process-engine/internal/models"
)

// Handler executes one job. Handlers that schedule continuation work
// (seed fan-out, monitor rescheduling) create their successor jobs
// themselves; the pool deletes the completed job afterwards.
type Handler func(ctx context.Context, job models.Job) error

// Registry maps job-type tags to handlers. It is populated once at
// startup and read-only afterwards; unknown tags are execution
// failures, not lookups resolved at runtime.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type. Registering an empty type or
// nil handler is ignored.
func (r *Registry) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.handlers[jobType] = h
}

// Resolve returns the handler for a job type.
func (r *Registry) Resolve(jobType string) (Handler, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for type %q", jobType)
	}
	return h, nil
}
