// Package executor defines the automation capability the scheduler drives:
// given one job, run the portal flow for its company and report success or
// failure. Implementations must honour ctx cancellation on a best-effort basis.
package executor

import (
	"context"
	"fmt"
	"sync"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
)

// Executor performs one automation run.
type Executor interface {
	Execute(ctx context.Context, job models.Job) error
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, job models.Job) error

func (f Func) Execute(ctx context.Context, job models.Job) error {
	return f(ctx, job)
}

// Registry dispatches jobs to the executor registered for their kind.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.JobKind]Executor
	fallback Executor
}

// NewRegistry creates an empty registry. fallback may be nil.
func NewRegistry(fallback Executor) *Registry {
	return &Registry{handlers: make(map[models.JobKind]Executor), fallback: fallback}
}

// Register binds an executor to a job kind.
func (r *Registry) Register(kind models.JobKind, exec Executor) {
	if kind == "" || exec == nil {
		return
	}
	r.mu.Lock()
	r.handlers[kind] = exec
	r.mu.Unlock()
}

// Execute runs the executor registered for job.Kind.
func (r *Registry) Execute(ctx context.Context, job models.Job) error {
	r.mu.RLock()
	exec, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		if r.fallback == nil {
			return errors.Mark(fmt.Errorf("no executor registered for kind %q", job.Kind), errors.ErrExecutor)
		}
		exec = r.fallback
	}
	return exec.Execute(ctx, job)
}
