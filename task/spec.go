package task

import (
	"strings"
	"time"
)

// Spec is a submission request. A nil Priority and an empty Type select the
// defaults. Key names the spec inside a batch so siblings can depend on it.
type Spec struct {
	Key         string         `json:"key,omitempty"`
	Description string         `json:"description"`
	Type        Type           `json:"task_type,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Prio returns a pointer to p for setting Spec.Priority.
func Prio(p int) *int { return &p }

// Build validates the spec's shape and returns a Pending task. It does not
// check that dependencies exist; that needs the dispatcher's view.
func (s Spec) Build(id string, seq uint64, now time.Time) (*Task, error) {
	desc := strings.TrimSpace(s.Description)
	if desc == "" {
		return nil, Invalid("description", "must not be empty")
	}

	typ := s.Type
	if typ == "" {
		typ = DefaultType
	}
	reqs, err := typ.Requirements()
	if err != nil {
		return nil, Invalid("task_type", "%v", err)
	}

	prio := DefaultPriority
	if s.Priority != nil {
		prio = *s.Priority
	}
	if prio < MinPriority || prio > MaxPriority {
		return nil, Invalid("priority", "%d outside [%d,%d]", prio, MinPriority, MaxPriority)
	}

	deps, err := ParseDependencies(s.Context)
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:           id,
		Description:  desc,
		Type:         typ,
		Priority:     prio,
		Dependencies: deps,
		Requirements: reqs,
		Status:       StatusPending,
		Seq:          seq,
		CreatedAt:    now,
	}
	if len(s.Context) > 0 {
		t.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			t.Context[k] = v
		}
	}
	return t, nil
}

// ParseDependencies extracts the dependency list from a task context. The
// entry may be a []string or a []any of strings (as decoded from JSON).
// Duplicates are dropped; order is kept.
func ParseDependencies(ctx map[string]any) ([]string, error) {
	raw, ok := ctx[DependenciesKey]
	if !ok || raw == nil {
		return nil, nil
	}

	var ids []string
	switch v := raw.(type) {
	case []string:
		ids = v
	case []any:
		ids = make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, Invalid("context.dependencies", "entry %d is %T, want string", i, item)
			}
			ids = append(ids, s)
		}
	default:
		return nil, Invalid("context.dependencies", "is %T, want list of task ids", raw)
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, Invalid("context.dependencies", "empty task id")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// WithDependencies returns a copy of ctx whose dependency entry is ids.
func WithDependencies(ctx map[string]any, ids ...string) map[string]any {
	out := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	out[DependenciesKey] = ids
	return out
}
