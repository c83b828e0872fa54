package task

import (
	"fmt"
	"slices"
	"sort"
)

// Queue holds undispatched tasks in dispatch order (see Less). Pending and
// Ready tasks live side by side; only Ready ones are handed out.
//
// Queue is not safe for concurrent use. The dispatcher serialises access.
type Queue struct {
	items []*Task
	index map[string]*Task
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]*Task)}
}

// Enqueue inserts t at its ordered position. Equal keys keep insertion order.
func (q *Queue) Enqueue(t *Task) error {
	if _, exists := q.index[t.ID]; exists {
		return fmt.Errorf("enqueue %s: %w", t.ID, ErrDuplicate)
	}
	i := sort.Search(len(q.items), func(i int) bool { return Less(t, q.items[i]) })
	q.items = slices.Insert(q.items, i, t)
	q.index[t.ID] = t
	return nil
}

// DequeueReady removes and returns the first Ready task whose requirements
// are covered by caps. When exclude is non-empty, tasks that agent already
// attempted are skipped. It returns nil when nothing is eligible.
func (q *Queue) DequeueReady(caps CapabilitySet, exclude string) *Task {
	for i, t := range q.items {
		if t.Status != StatusReady || !caps.Covers(t.Requirements) {
			continue
		}
		if exclude != "" && t.Attempted(exclude) {
			continue
		}
		q.items = slices.Delete(q.items, i, i+1)
		delete(q.index, t.ID)
		return t
	}
	return nil
}

// Remove deletes the task with the given id and reports whether it was queued.
func (q *Queue) Remove(id string) bool {
	if _, ok := q.index[id]; !ok {
		return false
	}
	delete(q.index, id)
	q.items = slices.DeleteFunc(q.items, func(t *Task) bool { return t.ID == id })
	return true
}

// Get returns the queued task with the given id.
func (q *Queue) Get(id string) (*Task, bool) {
	t, ok := q.index[id]
	return t, ok
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int { return len(q.items) }

// CountReady returns the number of queued Ready tasks.
func (q *Queue) CountReady() int {
	n := 0
	for _, t := range q.items {
		if t.Status == StatusReady {
			n++
		}
	}
	return n
}

// Snapshot returns clones of the queued tasks in dispatch order.
func (q *Queue) Snapshot() []*Task {
	out := make([]*Task, len(q.items))
	for i, t := range q.items {
		out[i] = t.Clone()
	}
	return out
}
