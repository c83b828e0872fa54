package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/task"
)

// Reporter identifies the remote agent reporting on a task. Attempt, when
// non-zero, pins the report to one attempt number so a late report from an
// earlier attempt on the same agent is told apart from the current one.
type Reporter struct {
	AgentID string `json:"agent_id"`
	Attempt int    `json:"attempt,omitempty"`
}

func (r Reporter) validate() error {
	if r.AgentID == "" {
		return task.Invalid("agent_id", "must not be empty")
	}
	if r.Attempt < 0 {
		return task.Invalid("attempt", "must not be negative, got %d", r.Attempt)
	}
	return nil
}

// ReportResult records a successful outcome for the attempt held by
// by.AgentID. Reports against terminal tasks, tasks held by another agent
// or superseded attempts are no-ops.
func (d *Dispatcher) ReportResult(ctx context.Context, id string, by Reporter, result any) error {
	if err := d.checkReport(ctx, id, by); err != nil {
		return err
	}
	d.succeed(id, by.Attempt, by.AgentID, result)
	return nil
}

// ReportFailure records a failed attempt and applies the retry policy. It
// ignores stale reports the way ReportResult does.
func (d *Dispatcher) ReportFailure(ctx context.Context, id string, by Reporter, cause error) error {
	if err := d.checkReport(ctx, id, by); err != nil {
		return err
	}
	if cause == nil {
		cause = errors.New("execution failed")
	}
	d.fail(id, by.Attempt, by.AgentID, cause, task.FailureExecution)
	return nil
}

// ReportStarted marks an assigned task Running. Remote workers call it when
// they pick the task up; in-process agents do it implicitly.
func (d *Dispatcher) ReportStarted(ctx context.Context, id string, by Reporter) error {
	if err := d.checkReport(ctx, id, by); err != nil {
		return err
	}
	d.markRunning(id, by.Attempt, by.AgentID)
	return nil
}

func (d *Dispatcher) checkReport(ctx context.Context, id string, by Reporter) error {
	if err := by.validate(); err != nil {
		return err
	}
	d.lock()
	defer d.unlock()
	_, err := d.findLocked(ctx, id)
	return err
}

// claimLocked returns the live task and run a report applies to, or nils
// for stale and duplicate reports. Execution units and timers report with
// an empty agentID and their own attempt number; a unit of an orphaned
// attempt frees the slot it kept reserved. Remote reports must come from
// the agent holding the current attempt, and from that attempt when one
// is named. An attempt of 0 matches any.
func (d *Dispatcher) claimLocked(id string, attempt int, agentID string) (*task.Task, *run) {
	if agentID == "" {
		k := orphanKey{taskID: id, attempt: attempt}
		if o := d.orphans[k]; o != nil {
			d.releaseOrphanLocked(k, o)
			return nil, nil
		}
	}
	t, ok := d.live[id]
	r := d.runs[id]
	if !ok || r == nil {
		return nil, nil
	}
	if t.Status != task.StatusAssigned && t.Status != task.StatusRunning {
		return nil, nil
	}
	if attempt != 0 && r.attempt != attempt {
		return nil, nil
	}
	if agentID != "" && (r.local || r.agentID != agentID) {
		d.logger.Debug("report from non-holder ignored",
			zap.String("task_id", id), zap.String("agent_id", agentID), zap.String("holder", r.agentID))
		return nil, nil
	}
	return t, r
}

func (d *Dispatcher) markRunning(id string, attempt int, agentID string) {
	d.lock()
	defer d.unlock()
	t, _ := d.claimLocked(id, attempt, agentID)
	if t == nil || t.Status != task.StatusAssigned {
		return
	}
	now := d.now()
	t.StartedAt = &now
	d.transitionLocked(t, task.StatusRunning)
}

func (d *Dispatcher) succeed(id string, attempt int, agentID string, result any) {
	d.lock()
	defer d.unlock()
	t, r := d.claimLocked(id, attempt, agentID)
	if t == nil {
		return
	}
	d.releaseLocked(t, r, agent.OutcomeSucceeded)

	if result == nil {
		result = struct{}{}
	}
	t.Result = result
	t.CompletedBy = r.agentID
	d.transitionLocked(t, task.StatusSucceeded)
	d.finalizeLocked(t)
	d.pumpLocked()
}

func (d *Dispatcher) fail(id string, attempt int, agentID string, cause error, kind task.FailureKind) {
	d.lock()
	defer d.unlock()
	t, r := d.claimLocked(id, attempt, agentID)
	if t == nil {
		return
	}
	d.failLocked(t, r, cause, kind)
	d.pumpLocked()
}

// failLocked releases the failing attempt and either re-enqueues the task
// or fails it for good. A timed-out local attempt is orphaned instead of
// released: its unit may still be running.
func (d *Dispatcher) failLocked(t *task.Task, r *run, cause error, kind task.FailureKind) {
	if kind == task.FailureTimeout && r.local {
		d.orphanLocked(t, r, agent.OutcomeFailed)
		d.reportAgentLocked(r.agentID)
	} else {
		d.releaseLocked(t, r, agent.OutcomeFailed)
	}

	if d.retryAllowedLocked(t, r.agentID) {
		t.Retries++
		if !slices.Contains(t.AttemptedAgents, r.agentID) {
			t.AttemptedAgents = append(t.AttemptedAgents, r.agentID)
		}
		t.LastError = cause.Error()
		t.AssignedAgent = ""
		t.AssignedAt = nil
		t.StartedAt = nil
		d.metrics.TaskRetried()
		d.transitionLocked(t, task.StatusReady)
		if err := d.queue.Enqueue(t); err != nil {
			d.logger.Error("re-enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		d.logger.Warn("task attempt failed; retrying",
			zap.String("task_id", t.ID),
			zap.String("agent_id", r.agentID),
			zap.Int("retries", t.Retries),
			zap.String("failure_kind", string(kind)),
			zap.Error(cause),
		)
		return
	}

	if !slices.Contains(t.AttemptedAgents, r.agentID) {
		t.AttemptedAgents = append(t.AttemptedAgents, r.agentID)
	}
	t.Error = cause.Error()
	t.FailureKind = kind
	t.CompletedBy = r.agentID
	d.transitionLocked(t, task.StatusFailed)
	d.finalizeLocked(t)
	d.logger.Warn("task failed",
		zap.String("task_id", t.ID),
		zap.String("agent_id", r.agentID),
		zap.Int("retries", t.Retries),
		zap.String("failure_kind", string(kind)),
		zap.Error(cause),
	)
}

func (d *Dispatcher) retryAllowedLocked(t *task.Task, agentID string) bool {
	if d.closed || t.Retries >= d.retry.MaxRetries {
		return false
	}
	if !d.retry.DistinctAgent {
		return true
	}
	exclude := append(slices.Clone(t.AttemptedAgents), agentID)
	return d.pool.HasEligible(t.Requirements, exclude)
}

// expire fails an attempt that outlived the task timeout. Timers of earlier
// attempts find a different attempt number and do nothing.
func (d *Dispatcher) expire(id string, attempt int) {
	d.lock()
	defer d.unlock()
	if _, ok := d.orphans[orphanKey{taskID: id, attempt: attempt}]; ok {
		return // the timer fired while the attempt was being orphaned
	}
	t, r := d.claimLocked(id, attempt, "")
	if t == nil {
		return
	}
	d.metrics.TaskTimedOut()
	cause := fmt.Errorf("attempt %d on %s exceeded %s: %w", attempt, r.agentID, d.timeout, ErrTimeout)
	d.failLocked(t, r, cause, task.FailureTimeout)
	d.pumpLocked()
}

// Cancel stops a task. Queued tasks are cancelled at once. For a running
// in-process attempt the execution context is cancelled and the agent keeps
// the slot until the execution unit returns; a remote agent's slot is
// released immediately. Dependents are cancelled transitively.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*task.Task, error) {
	d.lock()
	defer d.unlock()

	t, ok := d.live[id]
	if !ok {
		rec, err := d.findLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		return rec.Clone(), fmt.Errorf("cancel %s (status=%s): %w", id, rec.Status, task.ErrTerminal)
	}

	switch t.Status {
	case task.StatusPending, task.StatusReady:
		d.queue.Remove(id)
	case task.StatusAssigned, task.StatusRunning:
		if r := d.runs[id]; r != nil {
			t.CompletedBy = r.agentID
			if r.local {
				d.orphanLocked(t, r, agent.OutcomeCancelled)
			} else {
				d.releaseLocked(t, r, agent.OutcomeCancelled)
			}
		}
	}

	t.Error = "cancelled by caller"
	t.FailureKind = task.FailureCancelled
	d.transitionLocked(t, task.StatusCancelled)
	d.finalizeLocked(t)
	d.pumpLocked()
	return t.Clone(), nil
}
