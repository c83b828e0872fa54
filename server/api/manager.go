// Package api defines the REST API handlers and interfaces for the Conductor server.
package api

import (
	"context"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/dispatch"
	"github.com/GoCodeAlone/conductor/task"
)

// Dispatcher is the interface the API uses to submit, inspect and report
// on tasks and manage agents. Implemented by *dispatch.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, spec task.Spec) (string, error)
	SubmitBatch(ctx context.Context, specs []task.Spec) ([]string, error)
	Status(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, filter task.Filter) ([]*task.Task, error)
	Cancel(ctx context.Context, id string) (*task.Task, error)

	ReportStarted(ctx context.Context, id string, by dispatch.Reporter) error
	ReportResult(ctx context.Context, id string, by dispatch.Reporter, result any) error
	ReportFailure(ctx context.Context, id string, by dispatch.Reporter, cause error) error

	RegisterAgent(spec agent.Spec) (agent.Info, error)
	UpdateAgentStatus(id string, status agent.Status) (agent.Info, error)
	UnregisterAgent(id string) error
	Agents() []agent.Info
	Agent(id string) (agent.Info, error)
	Assigned(agentID string) ([]*task.Task, error)

	Stats() dispatch.Stats
	Snapshot() dispatch.State
}

var _ Dispatcher = (*dispatch.Dispatcher)(nil)
