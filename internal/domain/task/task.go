// Package task defines the task domain model and the store port.
//
// A Task is the root entity of the service: one natural-language instruction
// admitted for execution against a sandbox. The dispatcher owns its state
// machine for the task's lifetime; stores persist it durably.
package task

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Legal moves: pending → running, running → any terminal, and pending →
// cancelled when cancellation precedes the start.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Mode selects the reasoning depth of the execution loop.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeFast   Mode = "fast"
)

// Valid reports whether the mode is recognized.
func (m Mode) Valid() bool {
	return m == ModeNormal || m == ModeFast
}

// Platform names the operating system family of the target environment.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
	PlatformAndroid Platform = "android"
)

// Valid reports whether the platform is recognized.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWindows, PlatformLinux, PlatformMacOS, PlatformAndroid:
		return true
	default:
		return false
	}
}

// Stats accumulates execution counters for one task.
type Stats struct {
	Steps        int     `json:"steps"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Currency     string  `json:"currency,omitempty"`
}

// Add merges another stats delta into s.
func (s *Stats) Add(delta Stats) {
	s.Steps += delta.Steps
	s.InputTokens += delta.InputTokens
	s.OutputTokens += delta.OutputTokens
	s.CostUSD += delta.CostUSD
	if s.Currency == "" {
		s.Currency = delta.Currency
	}
}

// Task is the persisted task record.
type Task struct {
	TaskID      string `json:"task_id"`
	Instruction string `json:"instruction"`
	Status      Status `json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`

	SandboxID            string `json:"sandbox_id,omitempty"`
	DestroySandboxOnExit bool   `json:"destroy_sandbox_on_exit,omitempty"`

	Mode     Mode     `json:"mode"`
	MaxSteps int      `json:"max_steps"`
	Platform Platform `json:"platform"`

	Stats        Stats  `json:"stats"`
	FinalMessage string `json:"final_message,omitempty"`
	Error        string `json:"error,omitempty"`

	// PreviousTaskID links a continued conversation to its predecessor.
	PreviousTaskID string `json:"previous_task_id,omitempty"`

	// Config is the raw request configuration, kept for audit.
	Config json.RawMessage `json:"config,omitempty"`

	// PlanJSON mirrors the current plan lists (completed/remaining/failed).
	PlanJSON json.RawMessage `json:"plan_json,omitempty"`

	// Conversation is the opaque LLM message history, images elided.
	Conversation []json.RawMessage `json:"conversation,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so store callers can mutate freely.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.EndedAt != nil {
		ended := *t.EndedAt
		clone.EndedAt = &ended
	}
	if t.Config != nil {
		clone.Config = append(json.RawMessage(nil), t.Config...)
	}
	if t.PlanJSON != nil {
		clone.PlanJSON = append(json.RawMessage(nil), t.PlanJSON...)
	}
	if t.Conversation != nil {
		clone.Conversation = make([]json.RawMessage, len(t.Conversation))
		for i, msg := range t.Conversation {
			clone.Conversation[i] = append(json.RawMessage(nil), msg...)
		}
	}
	if t.Metadata != nil {
		clone.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
