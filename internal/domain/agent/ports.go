package agent

import (
	"context"
	"time"

	"navi/internal/domain/action"
	"navi/internal/domain/event"
)

// ToolResult is one model tool invocation outcome with token accounting.
type ToolResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// ToolInvoker executes a named model-backed tool with text and an optional
// screenshot. Implementations own prompt templates, provider configuration,
// rate limits, and metrics for each tool name.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, text string, image []byte) (ToolResult, error)
}

// Screenshot is a single capture with its pixel bounds.
type Screenshot struct {
	PNG    []byte
	Width  int
	Height int
}

// ExecResult is the device-level outcome of one action. Logical failures
// (missing element, permission denied) arrive as Success=false, not as an
// error; errors are reserved for transport faults that survived retries.
type ExecResult struct {
	Success     bool
	Observation []byte
	Error       string
}

// Backend executes neutral actions against a concrete device or sandbox.
// Screen bounds ride on each Screenshot rather than a separate size call.
type Backend interface {
	Name() string
	SandboxID() string
	Screenshot(ctx context.Context) (Screenshot, error)
	Execute(ctx context.Context, act action.Action) (ExecResult, error)
	ReleaseSandbox(ctx context.Context) error
}

// Publisher is the event-bus surface the dispatcher needs.
type Publisher interface {
	Publish(ev event.StageEvent)
}

// Workspace is the per-task on-disk surface the dispatcher writes.
type Workspace interface {
	Root() string
	WriteState(name string, v any) error
	AppendRecord(name string, v any) error
	SaveScreenshot(png []byte) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
