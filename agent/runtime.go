package agent

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/conductor/task"
)

// Request is what an executor receives for one attempt of a task.
type Request struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	TaskType    task.Type      `json:"task_type"`
	Context     map[string]any `json:"context,omitempty"`
	AgentID     string         `json:"agent_id"`
	Attempt     int            `json:"attempt"`
}

// Executor performs the actual work of a task. Implementations should honour
// ctx cancellation; a result returned after cancellation is discarded.
type Executor interface {
	Execute(ctx context.Context, req Request) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (any, error) { return f(ctx, req) }

// Run executes req on e and converts a panic into an error wrapping
// ErrExecutorPanic.
func Run(ctx context.Context, e Executor, req Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("agent %s task %s: %w: %v", req.AgentID, req.TaskID, ErrExecutorPanic, r)
		}
	}()
	return e.Execute(ctx, req)
}
