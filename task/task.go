// Package task defines the task model, the priority queue of undispatched
// work, and the completion ledger that records terminal outcomes.
package task

import (
	"slices"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"   // waiting on dependencies
	StatusReady     Status = "ready"     // eligible for dispatch
	StatusAssigned  Status = "assigned"  // capacity reserved on an agent
	StatusRunning   Status = "running"   // execution started
	StatusSucceeded Status = "succeeded" // terminal, Result set
	StatusFailed    Status = "failed"    // terminal, Error set
	StatusCancelled Status = "cancelled" // terminal, Error holds the cause
)

// IsTerminal reports whether the status is final. Terminal records are never
// mutated again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusReady, StatusAssigned, StatusRunning,
		StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// FailureKind classifies why a task ended without a result.
type FailureKind string

const (
	FailureExecution  FailureKind = "execution"
	FailureTimeout    FailureKind = "timeout"
	FailureDependency FailureKind = "dependency"
	FailureCancelled  FailureKind = "cancelled"
	FailureShutdown   FailureKind = "shutdown"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// DependenciesKey is the context entry listing prerequisite task ids.
const DependenciesKey = "dependencies"

// Task is a unit of requested work.
type Task struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	Type            Type           `json:"task_type"`
	Priority        int            `json:"priority"`
	Context         map[string]any `json:"context,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	Requirements    []Capability   `json:"requirements"`
	Status          Status         `json:"status"`
	AssignedAgent   string         `json:"assigned_agent,omitempty"`
	CompletedBy     string         `json:"completed_by,omitempty"` // agent holding the final attempt
	Result          any            `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	FailureKind     FailureKind    `json:"failure_kind,omitempty"`
	LastError       string         `json:"last_error,omitempty"` // error of the previous attempt
	Retries         int            `json:"retries"`
	AttemptedAgents []string       `json:"attempted_agents,omitempty"`
	Seq             uint64         `json:"seq"` // submission order, FIFO tie-break
	CreatedAt       time.Time      `json:"created_at"`
	AssignedAt      *time.Time     `json:"assigned_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Attempt returns the 1-based attempt number of the current execution.
func (t *Task) Attempt() int { return t.Retries + 1 }

// Attempted reports whether agentID already executed and failed the task.
func (t *Task) Attempted(agentID string) bool {
	return slices.Contains(t.AttemptedAgents, agentID)
}

// Clone returns a copy that shares no mutable state with t. The context map
// is copied one level deep.
func (t *Task) Clone() *Task {
	c := *t
	if t.Context != nil {
		c.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Requirements = slices.Clone(t.Requirements)
	c.AttemptedAgents = slices.Clone(t.AttemptedAgents)
	c.AssignedAt = cloneTime(t.AssignedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Less orders tasks for dispatch: priority descending, then creation time
// ascending, then submission sequence.
func Less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status  *Status `json:"status,omitempty"`
	AgentID string  `json:"agent_id,omitempty"` // assigned, completing or attempted agent
	Type    Type    `json:"task_type,omitempty"`
	Limit   int     `json:"limit,omitempty"`
	Offset  int     `json:"offset,omitempty"`
}

// Match reports whether t satisfies the filter, ignoring Limit and Offset.
func (f Filter) Match(t *Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.AgentID != "" && t.AssignedAgent != f.AgentID && t.CompletedBy != f.AgentID && !t.Attempted(f.AgentID) {
		return false
	}
	return true
}

// Page sorts tasks in dispatch order and applies Offset and Limit.
func (f Filter) Page(tasks []*Task) []*Task {
	slices.SortStableFunc(tasks, func(a, b *Task) int {
		switch {
		case Less(a, b):
			return -1
		case Less(b, a):
			return 1
		default:
			return 0
		}
	})
	if f.Offset > 0 {
		if f.Offset >= len(tasks) {
			return nil
		}
		tasks = tasks[f.Offset:]
	}
	if f.Limit > 0 && len(tasks) > f.Limit {
		tasks = tasks[:f.Limit]
	}
	return tasks
}
