package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/conductor/task"
)

type readiness int

const (
	waiting readiness = iota // some dependency is not terminal yet
	ready                    // every dependency succeeded
	blocked                  // some dependency failed or was cancelled
)

// verdict is the outcome of evaluating a task's dependencies.
type verdict struct {
	state   readiness
	blocker string      // first dependency that did not succeed, when blocked
	status  task.Status // blocker's status
	open    []string    // dependencies not terminal yet, when waiting
}

// gate evaluates t's dependencies against the records lookup returns. A
// failed lookup is an error; a dependency that cannot be read is never
// treated as waiting or succeeded.
func gate(t *task.Task, lookup func(id string) (*task.Task, error)) (verdict, error) {
	v := verdict{state: ready}
	for _, dep := range t.Dependencies {
		dt, err := lookup(dep)
		if err != nil {
			return verdict{}, fmt.Errorf("dependency %s: %w", dep, err)
		}
		switch {
		case dt.Status == task.StatusSucceeded:
		case dt.Status.IsTerminal():
			return verdict{state: blocked, blocker: dep, status: dt.Status}, nil
		default:
			v.state = waiting
			v.open = append(v.open, dep)
		}
	}
	return v, nil
}

// IsReady reports whether every dependency of the task has succeeded.
func (d *Dispatcher) IsReady(ctx context.Context, id string) (bool, error) {
	d.lock()
	defer d.unlock()
	t, err := d.findLocked(ctx, id)
	if err != nil {
		return false, err
	}
	v, err := gate(t, func(dep string) (*task.Task, error) { return d.findLocked(ctx, dep) })
	if err != nil {
		return false, err
	}
	return v.state == ready, nil
}

// findLocked returns the current record of id without copying it.
func (d *Dispatcher) findLocked(ctx context.Context, id string) (*task.Task, error) {
	if t, ok := d.live[id]; ok {
		return t, nil
	}
	if t, ok := d.unsynced[id]; ok {
		return t, nil
	}
	t, err := d.ledger.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger lookup %s: %w", id, err)
	}
	return t, nil
}

// finalizeLocked records terminal t and settles its dependents. A dependent
// becomes Ready when its last outstanding dependency succeeds, so no ledger
// read is needed here. Failure and cancellation propagate transitively.
func (d *Dispatcher) finalizeLocked(t *task.Task) {
	work := []*task.Task{t}
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		d.recordLocked(cur)

		waiting := d.dependents[cur.ID]
		delete(d.dependents, cur.ID)
		for _, id := range waiting {
			dt, ok := d.live[id]
			if !ok || dt.Status != task.StatusPending {
				continue
			}
			if cur.Status == task.StatusSucceeded {
				d.blockers[id]--
				if d.blockers[id] <= 0 {
					delete(d.blockers, id)
					d.transitionLocked(dt, task.StatusReady)
				}
				continue
			}
			d.queue.Remove(dt.ID)
			dt.Error = fmt.Sprintf("dependency %s %s", cur.ID, dependencyVerb(cur.Status))
			dt.FailureKind = task.FailureDependency
			d.transitionLocked(dt, task.StatusCancelled)
			work = append(work, dt)
		}
	}
}

// recordLocked moves a terminal task from the live table to the ledger.
func (d *Dispatcher) recordLocked(t *task.Task) {
	now := d.now()
	t.CompletedAt = &now
	t.AssignedAgent = ""
	delete(d.live, t.ID)
	delete(d.blockers, t.ID)

	switch t.Status {
	case task.StatusSucceeded:
		d.totals.succeeded++
	case task.StatusFailed:
		d.totals.failed++
	case task.StatusCancelled:
		d.totals.cancelled++
	}

	if err := d.ledger.Append(context.Background(), t.Clone()); err != nil && !errors.Is(err, task.ErrAlreadyRecorded) {
		d.unsynced[t.ID] = t
		d.logger.Error("ledger append failed; keeping record in memory",
			zap.String("task_id", t.ID), zap.Error(err))
	}
	d.emitTaskLocked(t)
	d.logger.Debug("task finished",
		zap.String("task_id", t.ID),
		zap.String("status", string(t.Status)),
		zap.String("completed_by", t.CompletedBy),
		zap.Int("retries", t.Retries),
	)
}

func dependencyVerb(s task.Status) string {
	if s == task.StatusCancelled {
		return "cancelled"
	}
	return "failed"
}
