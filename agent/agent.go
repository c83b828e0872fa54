// Package agent defines worker agents, the pool that tracks their capacity,
// and the executor contract used to run tasks in process.
package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/conductor/task"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusLearning Status = "learning"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
)

// ParseStatus converts a status name, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusIdle, StatusBusy, StatusLearning, StatusPaused, StatusError:
		return st, nil
	}
	return "", task.Invalid("status", "unknown agent status %q", s)
}

// Available reports whether an agent in this status may receive tasks.
func (s Status) Available() bool { return s == StatusIdle || s == StatusBusy }

var (
	ErrNotFound           = errors.New("agent not found")
	ErrAlreadyRegistered  = errors.New("agent already registered")
	ErrCapabilityMismatch = errors.New("agent lacks required capability")
	ErrCapacityExceeded   = errors.New("agent capacity exceeded")
	ErrAgentUnavailable   = errors.New("agent unavailable")
	ErrAgentBusy          = errors.New("agent holds tasks")
	ErrExecutorPanic      = errors.New("executor panicked")
)

// DefaultPriority is the agent preference weight when none is given.
const DefaultPriority = 1

// Spec describes an agent at registration. A nil Executor registers a
// remote agent whose results arrive through the reporting API.
type Spec struct {
	ID                 string            `json:"id"`
	Capabilities       []task.Capability `json:"capabilities"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	Priority           int               `json:"priority,omitempty"`
	Executor           Executor          `json:"-"`
}

// Validate checks the spec and fills defaults.
func (s *Spec) Validate() error {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return task.Invalid("id", "must not be empty")
	}
	if len(s.Capabilities) == 0 {
		return task.Invalid("capabilities", "agent %s declares none", s.ID)
	}
	for _, c := range s.Capabilities {
		if _, err := task.ParseCapability(string(c)); err != nil {
			return task.Invalid("capabilities", "%v", err)
		}
	}
	if s.MaxConcurrentTasks <= 0 {
		return task.Invalid("max_concurrent_tasks", "must be positive, got %d", s.MaxConcurrentTasks)
	}
	if s.Priority == 0 {
		s.Priority = DefaultPriority
	}
	if s.Priority < 0 {
		return task.Invalid("priority", "must not be negative, got %d", s.Priority)
	}
	return nil
}

// Stats are an agent's outcome counters.
type Stats struct {
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
}

// SuccessRate returns completed/(completed+failed), or 1 with no history.
func SuccessRate(completed, failed int) float64 {
	if completed+failed == 0 {
		return 1.0
	}
	return float64(completed) / float64(completed+failed)
}

// Info provides read-only metadata about an agent.
type Info struct {
	ID                 string            `json:"id"`
	Capabilities       []task.Capability `json:"capabilities"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	Priority           int               `json:"priority"`
	Status             Status            `json:"status"`
	CurrentTaskIDs     []string          `json:"current_task_ids"`
	Stats              Stats             `json:"stats"`
	Remote             bool              `json:"remote"`
	RegisteredAt       time.Time         `json:"registered_at"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%s, %d/%d)", i.ID, i.Status, len(i.CurrentTaskIDs), i.MaxConcurrentTasks)
}
