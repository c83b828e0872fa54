package agent

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/conductor/task"
)

// Outcome is how an assignment ended, for stats.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeCancelled // no stats change
)

type member struct {
	spec         Spec
	caps         task.CapabilitySet
	override     Status // Learning, Paused or Error; empty when available
	tasks        map[string]struct{}
	completed    int
	failed       int
	registeredAt time.Time
}

func (m *member) status() Status {
	if m.override != "" {
		return m.override
	}
	if len(m.tasks) > 0 {
		return StatusBusy
	}
	return StatusIdle
}

func (m *member) info() Info {
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Info{
		ID:                 m.spec.ID,
		Capabilities:       m.caps.Slice(),
		MaxConcurrentTasks: m.spec.MaxConcurrentTasks,
		Priority:           m.spec.Priority,
		Status:             m.status(),
		CurrentTaskIDs:     ids,
		Stats: Stats{
			TasksCompleted: m.completed,
			TasksFailed:    m.failed,
			SuccessRate:    SuccessRate(m.completed, m.failed),
		},
		Remote:       m.spec.Executor == nil,
		RegisteredAt: m.registeredAt,
	}
}

// Slot is an agent with spare capacity, as seen by the dispatcher.
type Slot struct {
	AgentID string
	Caps    task.CapabilitySet
	Free    int
}

// Pool tracks registered agents and their reserved capacity. Only Assign
// and Release change an agent's task set.
type Pool struct {
	mu     sync.RWMutex
	agents map[string]*member
	now    func() time.Time
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{agents: make(map[string]*member), now: time.Now}
}

// Register validates spec and adds the agent.
func (p *Pool) Register(spec Spec) (Info, error) {
	if err := spec.Validate(); err != nil {
		return Info{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.agents[spec.ID]; exists {
		return Info{}, fmt.Errorf("register %s: %w", spec.ID, ErrAlreadyRegistered)
	}
	spec.Capabilities = slices.Clone(spec.Capabilities)
	m := &member{
		spec:         spec,
		caps:         task.NewCapabilitySet(spec.Capabilities...),
		tasks:        make(map[string]struct{}),
		registeredAt: p.now(),
	}
	p.agents[spec.ID] = m
	return m.info(), nil
}

// Unregister removes an agent that holds no tasks.
func (p *Pool) Unregister(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if len(m.tasks) > 0 {
		return fmt.Errorf("unregister %s (%d tasks): %w", id, len(m.tasks), ErrAgentBusy)
	}
	delete(p.agents, id)
	return nil
}

// SetStatus changes an agent's manual status. Idle and Busy both clear the
// override; the reported value then follows the agent's load.
func (p *Pool) SetStatus(id string, status Status) (Info, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Info{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.agents[id]
	if !ok {
		return Info{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if status.Available() {
		m.override = ""
	} else {
		m.override = status
	}
	return m.info(), nil
}

// Assign reserves one slot on the agent for taskID. Nothing changes on error.
func (p *Pool) Assign(agentID, taskID string, reqs []task.Capability) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if !m.status().Available() {
		return fmt.Errorf("assign %s to %s (status=%s): %w", taskID, agentID, m.status(), ErrAgentUnavailable)
	}
	if !m.caps.Covers(reqs) {
		return fmt.Errorf("assign %s to %s (needs %v): %w", taskID, agentID, reqs, ErrCapabilityMismatch)
	}
	if _, held := m.tasks[taskID]; held {
		return fmt.Errorf("assign %s to %s: already held: %w", taskID, agentID, ErrCapacityExceeded)
	}
	if len(m.tasks) >= m.spec.MaxConcurrentTasks {
		return fmt.Errorf("assign %s to %s (%d/%d): %w", taskID, agentID, len(m.tasks), m.spec.MaxConcurrentTasks, ErrCapacityExceeded)
	}
	m.tasks[taskID] = struct{}{}
	return nil
}

// Release frees the slot held for taskID and records the outcome. It
// reports whether the agent held the task.
func (p *Pool) Release(agentID, taskID string, outcome Outcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.agents[agentID]
	if !ok {
		return false
	}
	if _, held := m.tasks[taskID]; !held {
		return false
	}
	delete(m.tasks, taskID)
	switch outcome {
	case OutcomeSucceeded:
		m.completed++
	case OutcomeFailed:
		m.failed++
	}
	return true
}

// Slots returns available agents with spare capacity, best first: priority
// desc, success rate desc, id asc.
func (p *Pool) Slots() []Slot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ms := make([]*member, 0, len(p.agents))
	for _, m := range p.agents {
		if m.status().Available() && len(m.tasks) < m.spec.MaxConcurrentTasks {
			ms = append(ms, m)
		}
	}
	sortMembers(ms)
	out := make([]Slot, len(ms))
	for i, m := range ms {
		out[i] = Slot{AgentID: m.spec.ID, Caps: m.caps, Free: m.spec.MaxConcurrentTasks - len(m.tasks)}
	}
	return out
}

// HasEligible reports whether some agent not in exclude could ever run a
// task with reqs: it covers them and is not Paused or in Error.
func (p *Pool) HasEligible(reqs []task.Capability, exclude []string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, m := range p.agents {
		if slices.Contains(exclude, id) {
			continue
		}
		if m.override == StatusPaused || m.override == StatusError {
			continue
		}
		if m.caps.Covers(reqs) {
			return true
		}
	}
	return false
}

// Executor returns the in-process executor of an agent, nil for remote agents.
func (p *Pool) Executor(id string) (Executor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.agents[id]
	if !ok {
		return nil, false
	}
	return m.spec.Executor, true
}

// Get returns the agent's current info.
func (p *Pool) Get(id string) (Info, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.agents[id]
	if !ok {
		return Info{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return m.info(), nil
}

// List returns every agent in selection order.
func (p *Pool) List() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ms := make([]*member, 0, len(p.agents))
	for _, m := range p.agents {
		ms = append(ms, m)
	}
	sortMembers(ms)
	out := make([]Info, len(ms))
	for i, m := range ms {
		out[i] = m.info()
	}
	return out
}

// Len returns the number of registered agents.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

func sortMembers(ms []*member) {
	sort.Slice(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.spec.Priority != b.spec.Priority {
			return a.spec.Priority > b.spec.Priority
		}
		ra, rb := SuccessRate(a.completed, a.failed), SuccessRate(b.completed, b.failed)
		if ra != rb {
			return ra > rb
		}
		return a.spec.ID < b.spec.ID
	})
}
