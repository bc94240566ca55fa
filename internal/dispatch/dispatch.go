// Package dispatch resolves a requested goal to its registered
// executor and supervises the requested → in_process → terminal
// transition.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"driveline/internal/domain"
)

// Result is the outcome of executing one goal. Code zero means
// success; Message carries the human-readable failure description.
type Result struct {
	Code    int
	Message string
}

// Invocation is the read-only execution context handed to executors.
// It deliberately exposes no mutation methods: executors report their
// outcome through the Result and must not reach back into the goal
// graph.
type Invocation struct {
	Goal          domain.Goal
	GoalSet       domain.GoalSet
	ProjectDir    string
	CorrelationID string
}

// Env returns the identity environment variables injected into every
// goal process and container. The names are stable identifiers.
func (inv Invocation) Env() map[string]string {
	return map[string]string{
		"DRIVELINE_SLUG":             inv.Goal.Push.Slug(),
		"DRIVELINE_OWNER":            inv.Goal.Push.Owner,
		"DRIVELINE_REPO":             inv.Goal.Push.Repo,
		"DRIVELINE_SHA":              inv.Goal.Push.SHA,
		"DRIVELINE_BRANCH":           inv.Goal.Push.Branch,
		"DRIVELINE_VERSION":          fmt.Sprintf("%d", inv.Goal.Version),
		"DRIVELINE_GOAL_SET_ID":      inv.Goal.GoalSetID,
		"DRIVELINE_GOAL_UNIQUE_NAME": inv.Goal.UniqueName,
	}
}

// Executor performs the work of one goal.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// ExecutorFunc adapts an in-process function to the Executor
// interface.
type ExecutorFunc func(ctx context.Context, inv Invocation) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// Registry maps fulfillment names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(name string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = ex
}

// Resolve returns the executor registered under the fulfillment name.
func (r *Registry) Resolve(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	return ex, ok
}
