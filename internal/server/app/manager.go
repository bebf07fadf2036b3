package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"navi/internal/domain/agent"
	"navi/internal/domain/event"
	"navi/internal/domain/task"
	"navi/internal/infra/observability"
	"navi/internal/infra/workspace"
	"navi/internal/shared/async"
	"navi/internal/shared/config"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

// BackendSpec tells the backend factory what to bind a task run to.
type BackendSpec struct {
	Name      string
	SandboxID string
	Shape     string
	Platform  task.Platform
}

// BackendFactory creates per-task backends from the closed backend catalog.
type BackendFactory interface {
	Known(name string) bool
	Create(ctx context.Context, spec BackendSpec) (agent.Backend, error)
}

// InvokerProvider hands out tool invokers, derived per task when the request
// carries per-tool overrides.
type InvokerProvider interface {
	Invoker(overrides map[string]config.ToolOverride) agent.ToolInvoker
}

// TaskSpace is the workspace surface the manager needs beyond the dispatcher
// port: a log file location for the per-task logger.
type TaskSpace interface {
	agent.Workspace
	LogPath() string
}

// WorkspaceFactory creates the per-task on-disk workspace.
type WorkspaceFactory func(taskID string) (TaskSpace, error)

// Info describes the running service.
type Info struct {
	Version       string `json:"version"`
	MaxConcurrent int    `json:"max_concurrent"`
	LogLevel      string `json:"log_level"`
	Domain        string `json:"domain"`
}

// reflectionPeriod is how often the reflector consults the model.
const reflectionPeriod = 5

// Manager admits, runs, observes, and cancels tasks. It owns the concurrency
// bound, the per-task event buses, and the cancellation registry; each
// admitted task gets its own dispatcher goroutine.
type Manager struct {
	cfg      config.Config
	store    task.Store
	backends BackendFactory
	invokers InvokerProvider
	spaces   WorkspaceFactory
	metrics  *observability.Metrics
	logger   logging.Logger
	clock    agent.Clock
	version  string

	sem *semaphore.Weighted

	mu      sync.RWMutex
	buses   map[string]*EventBus
	cancels map[string]context.CancelCauseFunc
	running int
	closed  bool

	wg sync.WaitGroup
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithLogger replaces the component logger.
func WithLogger(logger logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClock injects a clock for deterministic tests.
func WithClock(clock agent.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithWorkspaceFactory replaces how per-task workspaces are created.
func WithWorkspaceFactory(factory WorkspaceFactory) ManagerOption {
	return func(m *Manager) { m.spaces = factory }
}

// WithVersion sets the version string reported by Info.
func WithVersion(version string) ManagerOption {
	return func(m *Manager) { m.version = version }
}

// NewManager wires the task execution service.
func NewManager(cfg config.Config, store task.Store, backends BackendFactory, invokers InvokerProvider, opts ...ManagerOption) *Manager {
	maxTasks := cfg.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = config.DefaultMaxConcurrentTasks
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		backends: backends,
		invokers: invokers,
		logger:   logging.NewComponentLogger("TaskManager"),
		clock:    agent.SystemClock{},
		version:  "dev",
		sem:      semaphore.NewWeighted(int64(maxTasks)),
		buses:    make(map[string]*EventBus),
		cancels:  make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.spaces == nil {
		logDir, clock := m.cfg.LogDir, m.clock
		m.spaces = func(taskID string) (TaskSpace, error) {
			return workspace.New(logDir, taskID, clock)
		}
	}
	return m
}

// Submit validates and admits a task, returning its pending record.
// Admission is non-blocking: when max_concurrent tasks are in flight the
// caller receives an Unavailable error rather than a queue slot.
func (m *Manager) Submit(ctx context.Context, req TaskRequest) (*task.Task, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, errors.Unavailablef("service is shutting down")
	}

	params, err := req.resolve(m.cfg, m.backends)
	if err != nil {
		m.metrics.TaskCreated(ctx, "rejected")
		return nil, err
	}

	var seed []json.RawMessage
	if params.previousTaskID != "" {
		prev, err := m.store.Get(ctx, params.previousTaskID)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, errors.Validationf("unknown previous_task_id %q", params.previousTaskID)
			}
			return nil, err
		}
		seed = prev.Conversation
	}

	if !m.sem.TryAcquire(1) {
		m.metrics.TaskCreated(ctx, "unavailable")
		return nil, errors.Unavailablef("max concurrent tasks reached (%d)", m.maxConcurrent())
	}

	t, err := m.admit(ctx, params, seed)
	if err != nil {
		m.sem.Release(1)
		return nil, err
	}
	return t.Clone(), nil
}

// admit persists the pending record, builds the task's workspace and bus,
// and launches the dispatcher goroutine. The semaphore slot is already held.
func (m *Manager) admit(ctx context.Context, params taskParams, seed []json.RawMessage) (*task.Task, error) {
	taskID := "task-" + uuid.NewString()
	now := m.clock.Now().UTC()

	rawConfig, _ := json.Marshal(map[string]any{
		"backend":         params.backend,
		"mode":            params.mode,
		"max_steps":       params.maxSteps,
		"platform":        params.platform,
		"shape":           params.shape,
		"enable_search":   params.enableSearch,
		"enable_takeover": params.enableTakeover,
	})
	t := &task.Task{
		TaskID:               taskID,
		Instruction:          params.instruction,
		Status:               task.StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
		SandboxID:            params.sandboxID,
		DestroySandboxOnExit: params.destroySandbox,
		Mode:                 params.mode,
		MaxSteps:             params.maxSteps,
		Platform:             params.platform,
		PreviousTaskID:       params.previousTaskID,
		Config:               rawConfig,
		Conversation:         seed,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	space, err := m.spaces(taskID)
	if err != nil {
		_ = m.store.SetStatus(ctx, taskID, task.StatusCancelled, task.WithTransitionReason("workspace init failed"))
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	bus := NewEventBus(taskID, BusConfig{
		Replay: m.cfg.EventReplay,
		Buffer: m.cfg.EventBuffer,
		Logger: m.logger,
		Clock:  m.clock,
	})

	runCtx, cancel := context.WithCancelCause(context.Background())

	m.mu.Lock()
	m.buses[taskID] = bus
	m.cancels[taskID] = cancel
	m.running++
	running := m.running
	m.mu.Unlock()

	m.metrics.TaskCreated(ctx, "pending")
	m.metrics.TaskStarted(ctx, running, m.maxConcurrent())
	m.logger.Info("Task %s admitted (%d/%d running): %s", taskID, running, m.maxConcurrent(), params.instruction)

	admitted := m.clock.Now()
	m.wg.Add(1)
	async.Go(m.logger, "task-"+taskID, func() {
		defer m.wg.Done()
		m.runTask(runCtx, t.Clone(), params, space, bus, admitted)
	})
	return t, nil
}

// runTask is the per-task goroutine: it binds the backend, runs the
// dispatcher to a terminal state, and tears the task's resources down.
func (m *Manager) runTask(ctx context.Context, t *task.Task, params taskParams, space TaskSpace, bus *EventBus, admitted time.Time) {
	started := m.clock.Now()
	m.metrics.ObserveQueueWait(ctx, started.Sub(admitted))

	defer func() {
		m.sem.Release(1)
		m.mu.Lock()
		delete(m.cancels, t.TaskID)
		m.running--
		running := m.running
		m.mu.Unlock()
		m.metrics.TaskEnded(context.Background(), running, m.maxConcurrent())
		m.scheduleBusClose(t.TaskID, bus)
	}()

	taskLogger, closeLog, err := logging.NewFileLogger(space.LogPath(), "Dispatcher")
	if err != nil {
		m.logger.Warn("Task %s file logger unavailable: %v", t.TaskID, err)
		taskLogger = m.logger
	} else {
		defer func() { _ = closeLog() }()
		taskLogger = logging.Multi(taskLogger, m.logger)
	}

	backend, err := m.backends.Create(ctx, BackendSpec{
		Name:      params.backend,
		SandboxID: t.SandboxID,
		Shape:     params.shape,
		Platform:  t.Platform,
	})
	if err != nil {
		m.failBeforeRun(ctx, t, bus, fmt.Sprintf("backend init failed: %v", err))
		m.metrics.ObserveExecution(context.Background(), string(task.StatusFailed), m.clock.Now().Sub(started), 0)
		return
	}
	if t.SandboxID == "" && backend.SandboxID() != "" {
		t.SandboxID = backend.SandboxID()
		sandboxID := backend.SandboxID()
		if err := m.store.Update(ctx, t.TaskID, task.Patch{SandboxID: &sandboxID}); err != nil {
			taskLogger.Warn("Sandbox id persist failed: %v", err)
		}
		m.metrics.SandboxCreated(ctx, params.backend)
	}

	invoker := m.invokers.Invoker(params.overrides)
	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Store:     m.store,
		Workspace: space,
		Bus:       bus,
		Backend:   backend,
		Planner:   agent.NewPlanner(invoker, taskLogger),
		Worker:    agent.NewWorker(invoker, taskLogger),
		Reflector: agent.NewReflector(invoker, reflectionPeriod, taskLogger),
		Logger:    taskLogger,
		Clock:     m.clock,
	})

	status := dispatcher.Run(ctx, t, agent.RunConfig{
		EnableSearch:   params.enableSearch,
		EnableTakeover: params.enableTakeover,
	})

	elapsed := m.clock.Now().Sub(started)
	steps := 0
	if final, err := m.store.Get(context.WithoutCancel(ctx), t.TaskID); err == nil {
		steps = final.Stats.Steps
	}
	m.metrics.ObserveExecution(context.Background(), string(status), elapsed, steps)
	m.logger.Info("Task %s finished with status %s in %s", t.TaskID, status, elapsed.Round(time.Millisecond))
}

// failBeforeRun settles a task that never reached the dispatcher. The
// lifecycle has no pending to failed edge, so the task passes through
// running first; a cancelled context settles to cancelled instead.
func (m *Manager) failBeforeRun(ctx context.Context, t *task.Task, bus *EventBus, reason string) {
	cleanup := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		// When Cancel already settled the record it also published the
		// cancelled frame; only publish for our own transition.
		if err := m.store.SetStatus(cleanup, t.TaskID, task.StatusCancelled, task.WithTransitionReason("cancelled")); err == nil {
			bus.Publish(event.New(t.TaskID, event.StageCancelled, "cancelled"))
		}
		return
	}

	m.logger.Error("Task %s failed before start: %s", t.TaskID, reason)
	if err := m.store.SetStatus(cleanup, t.TaskID, task.StatusRunning, task.WithTransitionReason("starting")); err != nil {
		m.logger.Warn("Task %s start transition failed: %v", t.TaskID, err)
	}
	if err := m.store.SetStatus(cleanup, t.TaskID, task.StatusFailed,
		task.WithTransitionReason(reason), task.WithTransitionError(reason)); err != nil {
		m.logger.Warn("Task %s fail transition failed: %v", t.TaskID, err)
	}
	bus.Publish(event.New(t.TaskID, event.StageFailed, reason))
}

// scheduleBusClose closes the bus once the linger window expires so late
// subscribers can still replay the tail of the stream.
func (m *Manager) scheduleBusClose(taskID string, bus *EventBus) {
	linger := m.cfg.Linger()
	time.AfterFunc(linger, func() {
		bus.Close()
		m.mu.Lock()
		if m.buses[taskID] == bus {
			delete(m.buses, taskID)
		}
		m.mu.Unlock()
	})
}

// RunStreaming admits a task and immediately attaches a subscription, for
// the synchronous streaming surface.
func (m *Manager) RunStreaming(ctx context.Context, req TaskRequest) (*task.Task, <-chan event.StageEvent, func(), error) {
	t, err := m.Submit(ctx, req)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, cancel, err := m.Subscribe(ctx, t.TaskID)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, ch, cancel, nil
}

// Subscribe attaches to a task's event stream. Within the linger window of a
// terminal task the bus replays its tail; past it, a single synthetic
// terminal frame is derived from the stored record.
func (m *Manager) Subscribe(ctx context.Context, taskID string) (<-chan event.StageEvent, func(), error) {
	m.mu.RLock()
	bus := m.buses[taskID]
	m.mu.RUnlock()

	if bus != nil {
		ch, cancel := bus.Subscribe()
		return ch, cancel, nil
	}

	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan event.StageEvent, 1)
	ch <- terminalFrame(t)
	close(ch)
	return ch, func() {}, nil
}

// terminalFrame reconstructs a final event for streams attached after the
// bus is gone. Seq 0 marks it as synthesized rather than replayed.
func terminalFrame(t *task.Task) event.StageEvent {
	stage := event.StageFinished
	message := t.FinalMessage
	switch t.Status {
	case task.StatusFailed:
		stage = event.StageFailed
		if message == "" {
			message = t.Error
		}
	case task.StatusCancelled:
		stage = event.StageCancelled
		if message == "" {
			message = "cancelled"
		}
	case task.StatusPending, task.StatusRunning:
		stage = event.StageStarting
		message = "task is " + string(t.Status)
	}
	ev := event.New(t.TaskID, stage, message).WithPayload(map[string]any{
		"status": t.Status,
		"steps":  t.Stats.Steps,
	})
	if t.EndedAt != nil {
		ev.Timestamp = *t.EndedAt
	} else {
		ev.Timestamp = t.UpdatedAt
	}
	return ev
}

// Query returns the task record.
func (m *Manager) Query(ctx context.Context, taskID string) (*task.Task, error) {
	return m.store.Get(ctx, taskID)
}

// Transitions returns the task's lifecycle audit trail.
func (m *Manager) Transitions(ctx context.Context, taskID string) ([]task.Transition, error) {
	return m.store.Transitions(ctx, taskID)
}

// List returns a page of tasks, newest first, plus the total count.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*task.Task, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return m.store.List(ctx, limit, offset)
}

// Cancel requests cooperative cancellation. Pending tasks settle to
// cancelled directly; running tasks get their context cancelled and settle
// at the next step boundary. Terminal tasks return false with an
// AlreadyTerminal error. Repeated cancels of a live task are no-ops that
// report true.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.Status.IsTerminal() {
		return false, errors.AlreadyTerminalf("task %s is already %s", taskID, t.Status)
	}

	m.mu.RLock()
	cancel := m.cancels[taskID]
	m.mu.RUnlock()
	if cancel != nil {
		cancel(errors.Cancelledf("cancel requested"))
	}

	if t.Status == task.StatusPending {
		err := m.store.SetStatus(ctx, taskID, task.StatusCancelled, task.WithTransitionReason("cancelled before start"))
		switch {
		case err == nil:
			m.publishTo(taskID, event.New(taskID, event.StageCancelled, "cancelled before start"))
		case errors.IsAlreadyTerminal(err):
			// The dispatcher settled the task in the meantime.
		default:
			return false, err
		}
	}

	m.logger.Info("Task %s cancel requested (was %s)", taskID, t.Status)
	return true, nil
}

func (m *Manager) publishTo(taskID string, ev event.StageEvent) {
	m.mu.RLock()
	bus := m.buses[taskID]
	m.mu.RUnlock()
	if bus != nil {
		bus.Publish(ev)
	}
}

// Info describes the running service.
func (m *Manager) Info() Info {
	host, _ := os.Hostname()
	return Info{
		Version:       m.version,
		MaxConcurrent: m.maxConcurrent(),
		LogLevel:      m.cfg.LogLevel,
		Domain:        host,
	}
}

// ActiveCount reports how many tasks hold an execution slot.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) maxConcurrent() int {
	if m.cfg.MaxConcurrentTasks > 0 {
		return m.cfg.MaxConcurrentTasks
	}
	return config.DefaultMaxConcurrentTasks
}

// Shutdown stops admitting, cancels every live task, and waits for their
// dispatchers to settle or the context to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancels := make([]context.CancelCauseFunc, 0, len(m.cancels))
	for _, cancel := range m.cancels {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel(errors.Cancelledf("service shutting down"))
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All tasks settled")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline reached with tasks still running")
		return ctx.Err()
	}
}
