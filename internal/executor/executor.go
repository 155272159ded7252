// Package executor defines the capability that actually runs tasks. The
// scheduler hands it claimed entries; implementations route by task type
// or forward to an external tool runner.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalambet/taskmem/internal/storage"
	"github.com/kalambet/taskmem/internal/taskerr"
)

// Request is one claimed task handed to an executor.
type Request struct {
	TaskID   int64
	UserID   int64
	TaskType string
	Data     map[string]any
	Attempt  int
	// Workflow is the best matching prior workflow, used as guidance. Nil
	// when memory found none.
	Workflow *storage.Workflow
}

// Result is what a successful run returns.
type Result struct {
	Data    map[string]any
	Steps   []storage.Step
	Summary string
}

// ProgressFunc reports step-level progress while a task runs. It must not block.
type ProgressFunc func(step, total int, label string)

// Executor runs a task. Implementations must return promptly once ctx is
// cancelled; returning is the acknowledgement of a cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req Request, progress ProgressFunc) (Result, error)

func (f Func) Execute(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	return f(ctx, req, progress)
}

// Mux routes requests to executors by task type.
type Mux struct {
	mu       sync.RWMutex
	routes   map[string]Executor
	fallback Executor
}

func NewMux() *Mux {
	return &Mux{routes: make(map[string]Executor)}
}

// Handle registers e for taskType, replacing any previous executor.
func (m *Mux) Handle(taskType string, e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[taskType] = e
}

// Fallback sets the executor for task types without a route.
func (m *Mux) Fallback(e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = e
}

func (m *Mux) Execute(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	m.mu.RLock()
	e, ok := m.routes[req.TaskType]
	if !ok {
		e = m.fallback
	}
	m.mu.RUnlock()

	if e == nil {
		return Result{}, &taskerr.Error{
			Kind: taskerr.KindExecution,
			Code: taskerr.CodeNoRunner,
			Op:   "execute",
			Err:  fmt.Errorf("no executor for task type %q", req.TaskType),
		}
	}
	return e.Execute(ctx, req, progress)
}
