package task

import (
	"context"
	"fmt"
	"sync"
)

// Ledger is the append-only record of terminal tasks.
type Ledger interface {
	// Append records a terminal task. A second append for the same id fails
	// with ErrAlreadyRecorded and leaves the first record in place.
	Append(ctx context.Context, t *Task) error

	// Lookup returns the record for id or ErrNotFound.
	Lookup(ctx context.Context, id string) (*Task, error)

	// List returns records matching the filter in dispatch order.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// Close releases backend resources.
	Close() error
}

func checkAppend(t *Task) error {
	if t == nil || t.ID == "" {
		return Invalid("id", "must not be empty")
	}
	if !t.Status.IsTerminal() {
		return fmt.Errorf("append %s (status=%s): %w", t.ID, t.Status, ErrNotTerminal)
	}
	return nil
}

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{tasks: make(map[string]*Task)}
}

func (l *MemoryLedger) Append(_ context.Context, t *Task) error {
	if err := checkAppend(t); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.tasks[t.ID]; exists {
		return fmt.Errorf("append %s: %w", t.ID, ErrAlreadyRecorded)
	}
	l.tasks[t.ID] = t.Clone()
	return nil
}

func (l *MemoryLedger) Lookup(_ context.Context, id string) (*Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (l *MemoryLedger) List(_ context.Context, filter Filter) ([]*Task, error) {
	l.mu.RLock()
	var out []*Task
	for _, t := range l.tasks {
		if filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	l.mu.RUnlock()
	return filter.Page(out), nil
}

// Len returns the number of records.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tasks)
}

func (l *MemoryLedger) Close() error { return nil }
