package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/task"
)

// Status returns a copy of the current record of a task.
func (d *Dispatcher) Status(ctx context.Context, id string) (*task.Task, error) {
	d.lock()
	defer d.unlock()
	t, err := d.findLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// List returns live and recorded tasks matching filter, ordered by
// priority desc then creation.
func (d *Dispatcher) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	unpaged := filter
	unpaged.Limit, unpaged.Offset = 0, 0

	d.lock()
	seen := make(map[string]bool, len(d.live)+len(d.unsynced))
	var out []*task.Task
	for _, m := range []map[string]*task.Task{d.live, d.unsynced} {
		for id, t := range m {
			if unpaged.Match(t) {
				out = append(out, t.Clone())
			}
			seen[id] = true
		}
	}
	d.unlock()

	recorded, err := d.ledger.List(ctx, unpaged)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	for _, t := range recorded {
		if !seen[t.ID] {
			out = append(out, t)
		}
	}
	return filter.Page(out), nil
}

// Assigned returns the tasks currently held by an agent. Remote workers
// poll it to discover work.
func (d *Dispatcher) Assigned(agentID string) ([]*task.Task, error) {
	info, err := d.pool.Get(agentID)
	if err != nil {
		return nil, err
	}
	d.lock()
	defer d.unlock()
	out := make([]*task.Task, 0, len(info.CurrentTaskIDs))
	for _, id := range info.CurrentTaskIDs {
		if t, ok := d.live[id]; ok {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *task.Task) int { return a.AssignedAt.Compare(*b.AssignedAt) })
	return out, nil
}

// Stats summarises agents and tasks.
type Stats struct {
	TotalAgents    int     `json:"total_agents"`
	ActiveAgents   int     `json:"active_agents"`
	IdleAgents     int     `json:"idle_agents"`
	QueuedTasks    int     `json:"queued_tasks"`
	PendingTasks   int     `json:"pending_tasks"`
	ReadyTasks     int     `json:"ready_tasks"`
	RunningTasks   int     `json:"running_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	CancelledTasks int     `json:"cancelled_tasks"`
	SuccessRate    float64 `json:"success_rate"`
}

// Stats returns counts since New. Completed, failed and cancelled totals
// cover this process only.
func (d *Dispatcher) Stats() Stats {
	d.lock()
	defer d.unlock()
	return d.statsLocked()
}

func (d *Dispatcher) statsLocked() Stats {
	var s Stats
	for _, info := range d.pool.List() {
		s.TotalAgents++
		switch {
		case info.Status == agent.StatusBusy:
			s.ActiveAgents++
		case info.Status == agent.StatusIdle:
			s.IdleAgents++
		}
	}
	s.QueuedTasks = d.queue.Len()
	s.ReadyTasks = d.queue.CountReady()
	s.PendingTasks = s.QueuedTasks - s.ReadyTasks
	for _, t := range d.live {
		if t.Status == task.StatusAssigned || t.Status == task.StatusRunning {
			s.RunningTasks++
		}
	}
	s.CompletedTasks = d.totals.succeeded
	s.FailedTasks = d.totals.failed
	s.CancelledTasks = d.totals.cancelled
	s.SuccessRate = agent.SuccessRate(d.totals.succeeded, d.totals.failed)
	return s
}

// State is a point-in-time export of the dispatcher.
type State struct {
	ExportedAt time.Time    `json:"exported_at"`
	Agents     []agent.Info `json:"agents"`
	Stats      Stats        `json:"stats"`
	Queued     []*task.Task `json:"queued_tasks"`
	Running    []*task.Task `json:"running_tasks"`
}

// Snapshot captures agents, stats and non-terminal tasks.
func (d *Dispatcher) Snapshot() State {
	d.lock()
	defer d.unlock()
	st := State{
		ExportedAt: d.now(),
		Agents:     d.pool.List(),
		Stats:      d.statsLocked(),
		Queued:     d.queue.Snapshot(),
		Running:    []*task.Task{},
	}
	for _, t := range d.live {
		if t.Status == task.StatusAssigned || t.Status == task.StatusRunning {
			st.Running = append(st.Running, t.Clone())
		}
	}
	st.Running = task.Filter{}.Page(st.Running)
	return st
}

// Export writes Snapshot as indented JSON.
func (d *Dispatcher) Export(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d.Snapshot()); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return nil
}

// ExportFile writes Snapshot to path, creating parent directories.
func (d *Dispatcher) ExportFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}
	if err := d.Export(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
