package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/task"
)

func shutdown(d *Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = d.Shutdown(ctx)
}

// A single capacity-1 agent must see tasks in priority order, FIFO within
// equal priority.
func TestProperty_DispatchOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		d := New(WithClock(func() time.Time { return fixed }))
		defer shutdown(d)
		if err := d.Start(context.Background()); err != nil {
			rt.Fatalf("start: %v", err)
		}

		prios := rapid.SliceOfN(rapid.IntRange(task.MinPriority, task.MaxPriority), 1, 25).Draw(rt, "priorities")
		index := make(map[string]int, len(prios))
		for i, p := range prios {
			id, err := d.Submit(context.Background(), task.Spec{Description: fmt.Sprintf("t%d", i), Priority: task.Prio(p)})
			if err != nil {
				rt.Fatalf("submit: %v", err)
			}
			index[id] = i
		}
		if _, err := d.RegisterAgent(agent.Spec{ID: "solo", Capabilities: researcher, MaxConcurrentTasks: 1}); err != nil {
			rt.Fatalf("register: %v", err)
		}

		var got []int
		for range prios {
			held, err := d.Assigned("solo")
			if err != nil || len(held) != 1 {
				rt.Fatalf("assigned = %v, %v; want one task", held, err)
			}
			got = append(got, index[held[0].ID])
			if err := d.ReportResult(context.Background(), held[0].ID, Reporter{AgentID: "solo"}, nil); err != nil {
				rt.Fatalf("report: %v", err)
			}
		}

		want := make([]int, len(prios))
		for i := range want {
			want[i] = i
		}
		slices.SortStableFunc(want, func(a, b int) int { return prios[b] - prios[a] })
		if !slices.Equal(got, want) {
			rt.Fatalf("dispatch order = %v, want %v (priorities %v)", got, want, prios)
		}
	})
}

// Random dependency graphs driven to completion by random outcomes never
// exceed agent capacity, never run a task before its dependencies
// succeeded, and always reach a terminal state for every task.
func TestProperty_CapacityGateAndProgress(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := New()
		defer shutdown(d)
		if err := d.Start(context.Background()); err != nil {
			rt.Fatalf("start: %v", err)
		}

		nAgents := rapid.IntRange(1, 3).Draw(rt, "agents")
		capacity := make(map[string]int, nAgents)
		for i := range nAgents {
			id := fmt.Sprintf("agent-%d", i)
			capacity[id] = rapid.IntRange(1, 3).Draw(rt, "capacity")
			if _, err := d.RegisterAgent(agent.Spec{ID: id, Capabilities: researcher, MaxConcurrentTasks: capacity[id]}); err != nil {
				rt.Fatalf("register: %v", err)
			}
		}

		n := rapid.IntRange(1, 15).Draw(rt, "tasks")
		ids := make([]string, 0, n)
		deps := make(map[string][]string, n)
		for i := range n {
			var picked []string
			for _, prev := range ids {
				if rapid.Float64Range(0, 1).Draw(rt, "edge") < 0.25 {
					picked = append(picked, prev)
				}
			}
			spec := task.Spec{Description: fmt.Sprintf("t%d", i), Priority: task.Prio(rapid.IntRange(1, 10).Draw(rt, "priority"))}
			if len(picked) > 0 {
				spec.Context = task.WithDependencies(nil, picked...)
			}
			id, err := d.Submit(context.Background(), spec)
			if err != nil {
				rt.Fatalf("submit %d: %v", i, err)
			}
			ids = append(ids, id)
			deps[id] = picked
		}

		checkDeps := func() {
			for _, id := range ids {
				tk, err := d.Status(context.Background(), id)
				if err != nil {
					rt.Fatalf("status %s: %v", id, err)
				}
				if tk.Status != task.StatusAssigned && tk.Status != task.StatusRunning && tk.Status != task.StatusSucceeded {
					continue
				}
				for _, dep := range deps[id] {
					dt, _ := d.Status(context.Background(), dep)
					if dt.Status != task.StatusSucceeded {
						rt.Fatalf("task %s is %s while dependency %s is %s", id, tk.Status, dep, dt.Status)
					}
				}
			}
		}

		for step := 0; ; step++ {
			if step > 10*n {
				rt.Fatalf("no progress after %d steps", step)
			}
			checkDeps()

			var held []*task.Task
			for _, info := range d.Agents() {
				if len(info.CurrentTaskIDs) > capacity[info.ID] {
					rt.Fatalf("agent %s holds %d tasks, capacity %d", info.ID, len(info.CurrentTaskIDs), capacity[info.ID])
				}
				tasks, err := d.Assigned(info.ID)
				if err != nil {
					rt.Fatalf("assigned: %v", err)
				}
				held = append(held, tasks...)
			}
			if len(held) == 0 {
				break
			}

			pick := held[rapid.IntRange(0, len(held)-1).Draw(rt, "pick")]
			holder := Reporter{AgentID: pick.AssignedAgent, Attempt: pick.Attempt()}
			var err error
			if rapid.Bool().Draw(rt, "succeed") {
				err = d.ReportResult(context.Background(), pick.ID, holder, "ok")
			} else {
				err = d.ReportFailure(context.Background(), pick.ID, holder, errors.New("random failure"))
			}
			if err != nil {
				rt.Fatalf("report: %v", err)
			}
		}

		for _, id := range ids {
			tk, _ := d.Status(context.Background(), id)
			if !tk.Status.IsTerminal() {
				rt.Fatalf("task %s stuck in %s with no task held by any agent", id, tk.Status)
			}
		}
		if s := d.Stats(); s.QueuedTasks != 0 || s.RunningTasks != 0 {
			rt.Fatalf("stats after drain = %+v", s)
		}
	})
}
