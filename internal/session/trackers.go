// Package session holds the in-memory state of one active session: the
// trackers rebuilt from the event chain, the persister and turn manager,
// and the reconstructor that rebuilds all of it on resume.
package session

import (
	"encoding/json"
	"sync"

	"github.com/chroniclehq/chronicle/internal/events"
)

// SkillTracker tracks skill attachments in activation order. Removed skills
// keep their removal order so their context injection stays deterministic.
type SkillTracker struct {
	mu      sync.Mutex
	order   []string
	active  map[string]events.SkillPayload
	removed []string
}

// NewSkillTracker creates an empty tracker.
func NewSkillTracker() *SkillTracker {
	return &SkillTracker{active: map[string]events.SkillPayload{}}
}

// SkillsFromEvents rebuilds the tracker from an ordered ancestor chain.
// context.cleared resets everything before it.
func SkillsFromEvents(evs []*events.Event) *SkillTracker {
	t := NewSkillTracker()
	for _, ev := range evs {
		switch ev.Type {
		case events.TypeSkillAdded:
			var p events.SkillPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				t.Add(p)
			}
		case events.TypeSkillRemoved:
			var p events.SkillPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				t.Remove(p.Name)
			}
		case events.TypeContextCleared:
			t.Reset()
		}
	}
	return t
}

// Add activates a skill. Re-adding refreshes content but keeps position.
func (t *SkillTracker) Add(skill events.SkillPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.active[skill.Name]; !exists {
		t.order = append(t.order, skill.Name)
	}
	t.active[skill.Name] = skill
}

// Remove deactivates a skill and records the removal.
func (t *SkillTracker) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.active[name]; !exists {
		return
	}
	delete(t.active, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.removed = append(t.removed, name)
}

// Reset drops all state.
func (t *SkillTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = nil
	t.active = map[string]events.SkillPayload{}
	t.removed = nil
}

// Active returns the active skills in activation order.
func (t *SkillTracker) Active() []events.SkillPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]events.SkillPayload, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.active[name])
	}
	return out
}

// Removed returns skill names removed since the last reset, in removal
// order.
func (t *SkillTracker) Removed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.removed))
	copy(out, t.removed)
	return out
}

// RulesTracker tracks standing rules the same way skills are tracked.
type RulesTracker struct {
	mu     sync.Mutex
	order  []string
	active map[string]events.RulePayload
}

// NewRulesTracker creates an empty tracker.
func NewRulesTracker() *RulesTracker {
	return &RulesTracker{active: map[string]events.RulePayload{}}
}

// RulesFromEvents rebuilds the tracker from an ordered ancestor chain.
func RulesFromEvents(evs []*events.Event) *RulesTracker {
	t := NewRulesTracker()
	for _, ev := range evs {
		switch ev.Type {
		case events.TypeRuleAdded:
			var p events.RulePayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				t.Add(p)
			}
		case events.TypeRuleRemoved:
			var p events.RulePayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				t.Remove(p.Name)
			}
		case events.TypeContextCleared:
			t.Reset()
		}
	}
	return t
}

func (t *RulesTracker) Add(rule events.RulePayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.active[rule.Name]; !exists {
		t.order = append(t.order, rule.Name)
	}
	t.active[rule.Name] = rule
}

func (t *RulesTracker) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.active[name]; !exists {
		return
	}
	delete(t.active, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *RulesTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = nil
	t.active = map[string]events.RulePayload{}
}

// Active returns the rules in activation order.
func (t *RulesTracker) Active() []events.RulePayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]events.RulePayload, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.active[name])
	}
	return out
}

// TodoTracker keeps the latest todo snapshot. Every todo.updated event
// replaces the whole list.
type TodoTracker struct {
	mu    sync.Mutex
	items []events.TodoItem
}

// NewTodoTracker creates an empty tracker.
func NewTodoTracker() *TodoTracker {
	return &TodoTracker{}
}

// TodosFromEvents rebuilds the tracker from an ordered ancestor chain.
func TodosFromEvents(evs []*events.Event) *TodoTracker {
	t := NewTodoTracker()
	for _, ev := range evs {
		if ev.Type != events.TypeTodoUpdated {
			continue
		}
		var p events.TodoUpdatedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			t.Update(p.Items)
		}
	}
	return t
}

// Update replaces the snapshot.
func (t *TodoTracker) Update(items []events.TodoItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = make([]events.TodoItem, len(items))
	copy(t.items, items)
}

// Snapshot returns a copy of the current list.
func (t *TodoTracker) Snapshot() []events.TodoItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]events.TodoItem, len(t.items))
	copy(out, t.items)
	return out
}
