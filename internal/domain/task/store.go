package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrAlreadyExists is returned by Create on a task id collision.
var ErrAlreadyExists = errors.New("task already exists")

// Patch is a partial update; nil fields are left untouched. Stores apply the
// whole patch under one lock (memory) or one statement (SQL).
type Patch struct {
	Status       *Status
	StartedAt    *time.Time
	EndedAt      *time.Time
	SandboxID    *string
	FinalMessage *string
	Error        *string
	Stats        *Stats
	PlanJSON     json.RawMessage
	Metadata     map[string]string
}

// Transition records one state change in the task lifecycle.
type Transition struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TransitionParams holds optional fields for a SetStatus call.
type TransitionParams struct {
	Reason       string
	FinalMessage *string
	ErrorText    *string
	Stats        *Stats
}

// TransitionOption customises a SetStatus call.
type TransitionOption func(*TransitionParams)

// WithTransitionReason records why the status changed.
func WithTransitionReason(reason string) TransitionOption {
	return func(p *TransitionParams) { p.Reason = reason }
}

// WithTransitionFinalMessage sets the final message alongside status.
func WithTransitionFinalMessage(message string) TransitionOption {
	return func(p *TransitionParams) { p.FinalMessage = &message }
}

// WithTransitionError sets the error text alongside status.
func WithTransitionError(errText string) TransitionOption {
	return func(p *TransitionParams) { p.ErrorText = &errText }
}

// WithTransitionStats flushes final counters alongside status.
func WithTransitionStats(stats Stats) TransitionOption {
	return func(p *TransitionParams) { p.Stats = &stats }
}

// ApplyTransitionOptions collects all options into a TransitionParams.
func ApplyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}

// Store is the task persistence port. Implementations must be safe under
// concurrent readers with a single active writer per task id (the
// dispatcher). Returned tasks are copies.
type Store interface {
	// EnsureSchema creates or migrates the schema. No-op for memory.
	EnsureSchema(ctx context.Context) error

	// Create persists a new task; ErrAlreadyExists on id collision.
	Create(ctx context.Context, t *Task) error

	// Get retrieves a task by id.
	Get(ctx context.Context, taskID string) (*Task, error)

	// Update applies a partial patch.
	Update(ctx context.Context, taskID string, patch Patch) error

	// SetStatus validates the lifecycle transition, stamps started_at or
	// ended_at, and writes a transition record.
	SetStatus(ctx context.Context, taskID string, status Status, opts ...TransitionOption) error

	// UpdateProgress replaces the task's running counters.
	UpdateProgress(ctx context.Context, taskID string, stats Stats) error

	// AppendConversation appends opaque messages to the task's history.
	AppendConversation(ctx context.Context, taskID string, messages []json.RawMessage) error

	// List returns paginated tasks, newest first, plus the total count.
	List(ctx context.Context, limit int, offset int) ([]*Task, int, error)

	// ListActive returns all non-terminal tasks.
	ListActive(ctx context.Context) ([]*Task, error)

	// Transitions returns the audit trail for a task, oldest first.
	Transitions(ctx context.Context, taskID string) ([]Transition, error)

	// MarkInterrupted fails every pending/running task with the given
	// reason. Called once at startup to settle rows left by a crash.
	MarkInterrupted(ctx context.Context, reason string) (int, error)

	// Delete removes a task and its transitions.
	Delete(ctx context.Context, taskID string) error

	// DeleteExpired removes terminal tasks that ended before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)

	// Close releases store resources.
	Close()
}
