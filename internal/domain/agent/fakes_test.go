package agent

import (
	"context"
	"fmt"
	"sync"

	"navi/internal/domain/action"
	"navi/internal/domain/event"
)

// fakeInvoker serves scripted tool responses. Each tool has a FIFO queue;
// the last response is sticky so loops can run past the script length.
type fakeInvoker struct {
	mu      sync.Mutex
	scripts map[string][]string
	errs    map[string]error
	calls   []toolCall
}

type toolCall struct {
	Tool     string
	Text     string
	HasImage bool
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		scripts: make(map[string][]string),
		errs:    make(map[string]error),
	}
}

func (f *fakeInvoker) push(tool string, responses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[tool] = append(f.scripts[tool], responses...)
}

func (f *fakeInvoker) fail(tool string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[tool] = err
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool, text string, image []byte) (ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, toolCall{Tool: tool, Text: text, HasImage: len(image) > 0})
	if err := f.errs[tool]; err != nil {
		return ToolResult{}, err
	}
	queue := f.scripts[tool]
	if len(queue) == 0 {
		return ToolResult{}, fmt.Errorf("unscripted tool call: %s", tool)
	}
	resp := queue[0]
	if len(queue) > 1 {
		f.scripts[tool] = queue[1:]
	}
	return ToolResult{Text: resp, InputTokens: 12, OutputTokens: 4, CostUSD: 0.0005}, nil
}

func (f *fakeInvoker) callsFor(tool string) []toolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []toolCall
	for _, c := range f.calls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

// fakeBackend returns a fixed screenshot and records executed actions.
type fakeBackend struct {
	mu       sync.Mutex
	shot     Screenshot
	shotErr  error
	execErr  error
	executed []action.Action
	released bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		shot: Screenshot{PNG: []byte("fake-png"), Width: 1920, Height: 1080},
	}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) SandboxID() string { return "SBX-fake" }

func (f *fakeBackend) Screenshot(ctx context.Context) (Screenshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shotErr != nil {
		return Screenshot{}, f.shotErr
	}
	return f.shot, nil
}

func (f *fakeBackend) Execute(ctx context.Context, act action.Action) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return ExecResult{}, f.execErr
	}
	f.executed = append(f.executed, act)
	return ExecResult{Success: true}, nil
}

func (f *fakeBackend) ReleaseSandbox(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

func (f *fakeBackend) actions() []action.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]action.Action, len(f.executed))
	copy(out, f.executed)
	return out
}

// fakeBus collects published events; onPublish lets a test react to a
// specific stage, e.g. to cancel mid-run.
type fakeBus struct {
	mu        sync.Mutex
	events    []event.StageEvent
	onPublish func(event.StageEvent)
}

func (f *fakeBus) Publish(ev event.StageEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	cb := f.onPublish
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (f *fakeBus) stages() []event.Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event.Stage, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Stage
	}
	return out
}

// fakeWorkspace records state writes and appended records in memory.
type fakeWorkspace struct {
	mu      sync.Mutex
	states  map[string]any
	records map[string]int
	shots   int
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{
		states:  make(map[string]any),
		records: make(map[string]int),
	}
}

func (f *fakeWorkspace) Root() string { return "/tmp/navi-test" }

func (f *fakeWorkspace) WriteState(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = v
	return nil
}

func (f *fakeWorkspace) AppendRecord(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[name]++
	return nil
}

func (f *fakeWorkspace) SaveScreenshot(png []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shots++
	return fmt.Sprintf("screens/%04d.png", f.shots), nil
}

func (f *fakeWorkspace) recordCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[name]
}

func (f *fakeWorkspace) hasState(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.states[name]
	return ok
}
