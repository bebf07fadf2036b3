// Package plan models the subtask queue a task executes: the three ordered
// membership lists, the dependency graph parsed from planner output, and the
// deterministic topological ordering that produces the queue.
package plan

import "encoding/json"

// Subtask is one unit of plan work.
type Subtask struct {
	Name string `json:"name"`
	Info string `json:"info"`
}

// Plan holds the three disjoint subtask lists of a task. A subtask belongs
// to exactly one list at any time; Pop/Complete/Fail move the current
// subtask between them.
type Plan struct {
	Completed []Subtask `json:"completed"`
	Remaining []Subtask `json:"remaining"`
	Failed    []Subtask `json:"failed"`
}

// New returns a plan with the given execution queue.
func New(remaining []Subtask) *Plan {
	return &Plan{Remaining: append([]Subtask(nil), remaining...)}
}

// Pop removes and returns the front of the remaining queue.
func (p *Plan) Pop() (Subtask, bool) {
	if len(p.Remaining) == 0 {
		return Subtask{}, false
	}
	next := p.Remaining[0]
	p.Remaining = p.Remaining[1:]
	return next, true
}

// Complete records s as done.
func (p *Plan) Complete(s Subtask) {
	p.Completed = append(p.Completed, s)
}

// Fail records s as failed.
func (p *Plan) Fail(s Subtask) {
	p.Failed = append(p.Failed, s)
}

// Replace discards the remaining queue in favor of a replanned one.
// Completed and failed history is preserved.
func (p *Plan) Replace(remaining []Subtask) {
	p.Remaining = append([]Subtask(nil), remaining...)
}

// Empty reports whether no work remains.
func (p *Plan) Empty() bool {
	return len(p.Remaining) == 0
}

// Clone returns an independent copy.
func (p *Plan) Clone() *Plan {
	return &Plan{
		Completed: append([]Subtask(nil), p.Completed...),
		Remaining: append([]Subtask(nil), p.Remaining...),
		Failed:    append([]Subtask(nil), p.Failed...),
	}
}

// MarshalSnapshot serializes the plan for the workspace and the store.
// Nil slices marshal as empty arrays so readers see a stable shape.
func (p *Plan) MarshalSnapshot() json.RawMessage {
	snapshot := struct {
		Completed []Subtask `json:"completed"`
		Remaining []Subtask `json:"remaining"`
		Failed    []Subtask `json:"failed"`
	}{
		Completed: emptyIfNil(p.Completed),
		Remaining: emptyIfNil(p.Remaining),
		Failed:    emptyIfNil(p.Failed),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return json.RawMessage(`{"completed":[],"remaining":[],"failed":[]}`)
	}
	return data
}

func emptyIfNil(s []Subtask) []Subtask {
	if s == nil {
		return []Subtask{}
	}
	return s
}

// Names returns the subtask names of a list, for prompt composition.
func Names(subtasks []Subtask) []string {
	names := make([]string, len(subtasks))
	for i, s := range subtasks {
		names[i] = s.Name
	}
	return names
}
