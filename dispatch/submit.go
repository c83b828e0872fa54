package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GoCodeAlone/conductor/task"
)

// NewTaskID returns "task_" followed by 12 hex characters of a UUID.
func NewTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Submit validates spec and admits one task. Dependencies in its context
// must name existing tasks.
func (d *Dispatcher) Submit(ctx context.Context, spec task.Spec) (string, error) {
	ids, err := d.SubmitBatch(ctx, []task.Spec{spec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch admits several tasks atomically. Inside a batch a dependency
// may name a sibling's Key instead of an existing task id. A rejected batch
// creates nothing. The returned ids follow the order of specs.
func (d *Dispatcher) SubmitBatch(ctx context.Context, specs []task.Spec) ([]string, error) {
	if len(specs) == 0 {
		return nil, task.Invalid("tasks", "batch is empty")
	}

	d.lock()
	defer d.unlock()
	if d.closed {
		return nil, ErrClosed
	}

	keys := make(map[string]int, len(specs))
	for i, s := range specs {
		if s.Key == "" {
			continue
		}
		if _, dup := keys[s.Key]; dup {
			return nil, task.Invalid("key", "duplicate key %q in batch", s.Key)
		}
		keys[s.Key] = i
	}

	now := d.now()
	tasks := make([]*task.Task, len(specs))
	for i, s := range specs {
		t, err := s.Build(NewTaskID(), d.seq+uint64(i)+1, now)
		if err != nil {
			if len(specs) > 1 {
				return nil, fmt.Errorf("task %d: %w", i, err)
			}
			return nil, err
		}
		tasks[i] = t
	}

	// Resolve sibling keys to ids and read every other dependency once.
	// Admission gates against these records only.
	known := make(map[string]*task.Task)
	edges := make([][]int, len(specs)) // i -> siblings that depend on i
	inDeg := make([]int, len(specs))
	for i, t := range tasks {
		for j, dep := range t.Dependencies {
			if k, ok := keys[dep]; ok {
				if k == i {
					return nil, task.Invalid("context.dependencies", "task %q depends on itself", dep)
				}
				t.Dependencies[j] = tasks[k].ID
				edges[k] = append(edges[k], i)
				inDeg[i]++
				continue
			}
			dt, err := d.findLocked(ctx, dep)
			if err != nil {
				if errors.Is(err, task.ErrNotFound) {
					return nil, task.Invalid("context.dependencies", "unknown task %q", dep)
				}
				return nil, err
			}
			known[dep] = dt
		}
		if len(t.Dependencies) > 0 {
			t.Context[task.DependenciesKey] = append([]string(nil), t.Dependencies...)
		}
	}

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Key
		if names[i] == "" {
			names[i] = fmt.Sprintf("#%d", i)
		}
	}
	order, err := topoOrder(edges, inDeg, names)
	if err != nil {
		return nil, err
	}

	d.seq += uint64(len(specs))
	for _, i := range order {
		d.admitLocked(tasks[i], known)
		known[tasks[i].ID] = tasks[i]
	}
	d.pumpLocked()

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids, nil
}

// topoOrder runs Kahn's algorithm over the batch graph and returns an
// admission order in which every task follows its sibling dependencies.
func topoOrder(edges [][]int, inDeg []int, names []string) ([]int, error) {
	deg := append([]int(nil), inDeg...)
	var queue, order []int
	for i, n := range deg {
		if n == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, j := range edges[i] {
			deg[j]--
			if deg[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if len(order) != len(deg) {
		var cyclic []string
		for i, n := range deg {
			if n > 0 {
				cyclic = append(cyclic, names[i])
			}
		}
		return nil, task.Invalid("context.dependencies", "dependency cycle among batch tasks [%s]", strings.Join(cyclic, " "))
	}
	return order, nil
}

// admitLocked places a validated task in the live table and the queue, or
// cancels it at once when a dependency already failed. known holds the
// record of every dependency.
func (d *Dispatcher) admitLocked(t *task.Task, known map[string]*task.Task) {
	d.live[t.ID] = t
	d.metrics.TaskSubmitted(string(t.Type))
	d.metrics.TaskTransition(string(task.StatusPending))

	v, err := gate(t, func(dep string) (*task.Task, error) {
		if dt, ok := known[dep]; ok {
			return dt, nil
		}
		return nil, fmt.Errorf("task %s: %w", dep, task.ErrNotFound)
	})
	if err != nil {
		d.logger.Error("dependency unresolved at admission", zap.String("task_id", t.ID), zap.Error(err))
		t.Error = err.Error()
		t.FailureKind = task.FailureDependency
		d.transitionLocked(t, task.StatusCancelled)
		d.finalizeLocked(t)
		return
	}
	d.logger.Debug("task submitted",
		zap.String("task_id", t.ID),
		zap.String("task_type", string(t.Type)),
		zap.Int("priority", t.Priority),
		zap.Strings("dependencies", t.Dependencies),
	)

	switch v.state {
	case blocked:
		t.Error = fmt.Sprintf("dependency %s %s", v.blocker, dependencyVerb(v.status))
		t.FailureKind = task.FailureDependency
		d.transitionLocked(t, task.StatusCancelled)
		d.finalizeLocked(t)
		return
	case ready:
		t.Status = task.StatusReady
		d.metrics.TaskTransition(string(task.StatusReady))
	case waiting:
		for _, dep := range v.open {
			d.dependents[dep] = append(d.dependents[dep], t.ID)
		}
		d.blockers[t.ID] = len(v.open)
	}
	d.emitTaskLocked(t)
	if err := d.queue.Enqueue(t); err != nil {
		d.logger.Error("enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}
