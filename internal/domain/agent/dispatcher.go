package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"navi/internal/domain/action"
	"navi/internal/domain/event"
	"navi/internal/domain/plan"
	"navi/internal/domain/task"
	"navi/internal/shared/logging"
)

// defaultTakeoverHold bounds how long a wait_for_user action without an
// explicit duration pauses the task.
const defaultTakeoverHold = 30 * time.Second

// RunConfig carries the per-task toggles that are not task record fields.
type RunConfig struct {
	EnableSearch   bool
	EnableTakeover bool
}

// DispatcherConfig bundles the collaborators for one task run.
type DispatcherConfig struct {
	Store     task.Store
	Workspace Workspace
	Bus       Publisher
	Backend   Backend
	Planner   *Planner
	Worker    *Worker
	Reflector *Reflector
	Logger    logging.Logger
	Clock     Clock
}

// Dispatcher drives a single task from pending to a terminal state. It is
// the only writer of the task's status and the only publisher on its bus.
type Dispatcher struct {
	store     task.Store
	workspace Workspace
	bus       Publisher
	backend   Backend
	planner   *Planner
	worker    *Worker
	reflector *Reflector
	logger    logging.Logger
	clock     Clock
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Dispatcher{
		store:     cfg.Store,
		workspace: cfg.Workspace,
		bus:       cfg.Bus,
		backend:   cfg.Backend,
		planner:   cfg.Planner,
		worker:    cfg.Worker,
		reflector: cfg.Reflector,
		logger:    logging.OrNop(cfg.Logger),
		clock:     clock,
	}
}

// Run executes t to a terminal status and returns it. Cancellation arrives
// through ctx; every terminal path publishes a final stage event, persists
// the outcome, and releases the sandbox when the task asked for that.
func (d *Dispatcher) Run(ctx context.Context, t *task.Task, rc RunConfig) (status task.Status) {
	tc := &TaskContext{
		TaskID:         t.TaskID,
		Instruction:    t.Instruction,
		Mode:           t.Mode,
		Platform:       t.Platform,
		MaxSteps:       t.MaxSteps,
		EnableSearch:   rc.EnableSearch,
		EnableTakeover: rc.EnableTakeover,
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Dispatcher panic for task %s: %v\n%s", t.TaskID, r, debug.Stack())
			status = task.StatusFailed
			d.finish(ctx, tc, t, task.StatusFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := d.store.SetStatus(ctx, t.TaskID, task.StatusRunning); err != nil {
		// Cancelled before the dispatcher got scheduled.
		d.logger.Info("Task %s not started: %v", t.TaskID, err)
		if current, getErr := d.store.Get(context.WithoutCancel(ctx), t.TaskID); getErr == nil {
			return current.Status
		}
		return task.StatusCancelled
	}

	d.logger.Info("Task %s started: %s", t.TaskID, t.Instruction)
	d.publish(tc, event.StageStarting, "task started", nil)
	d.mirrorInstruction(tc, t)

	status, reason := d.loop(ctx, tc, t)
	d.finish(ctx, tc, t, status, reason)
	return status
}

func (d *Dispatcher) loop(ctx context.Context, tc *TaskContext, t *task.Task) (task.Status, string) {
	if err := d.observe(ctx, tc); err != nil {
		if ctx.Err() != nil {
			return task.StatusCancelled, "cancelled before first observation"
		}
		return task.StatusFailed, fmt.Sprintf("initial screenshot failed: %v", err)
	}

	d.publish(tc, event.StagePlanning, "planning", nil)
	queue, err := d.planner.InitialPlan(ctx, tc)
	if err != nil {
		if ctx.Err() != nil {
			return task.StatusCancelled, "cancelled during planning"
		}
		return task.StatusFailed, fmt.Sprintf("planning failed: %v", err)
	}
	tc.Plan.Replace(queue)
	d.logger.Info("Plan for %s: %s", t.TaskID, strings.Join(plan.Names(queue), " -> "))
	d.mirrorPlan(ctx, tc)
	d.flushConversation(ctx, tc)

	for {
		if ctx.Err() != nil {
			return task.StatusCancelled, "cancelled"
		}

		if tc.Current == nil {
			next, ok := tc.Plan.Pop()
			if !ok {
				return task.StatusCompleted, ""
			}
			tc.Current = &next
			tc.SubtaskSteps = 0
			d.logger.Info("Task %s subtask: %s", t.TaskID, next.Name)
			d.mirrorPlan(ctx, tc)
		}

		if err := d.observe(ctx, tc); err != nil {
			if ctx.Err() != nil {
				return task.StatusCancelled, "cancelled"
			}
			return task.StatusFailed, fmt.Sprintf("screenshot failed: %v", err)
		}

		proposal, err := d.worker.NextAction(ctx, tc)
		if err != nil {
			if ctx.Err() != nil {
				return task.StatusCancelled, "cancelled"
			}
			return task.StatusFailed, fmt.Sprintf("action generation failed: %v", err)
		}

		act := proposal.Action
		switch {
		case act.IsDone():
			d.record(ctx, tc, proposal, true, "", 0)
			finished := *tc.Current
			tc.Plan.Complete(finished)
			if act.ReturnValue != "" {
				tc.FinalMessage = act.ReturnValue
			}
			tc.AdvanceSubtask()
			d.mirrorPlan(ctx, tc)
			d.publish(tc, event.StageExecuting, fmt.Sprintf("subtask complete: %s", finished.Name), stepPayload(tc, act))
			if tc.Plan.Empty() {
				return task.StatusCompleted, ""
			}

		case act.IsFail():
			d.record(ctx, tc, proposal, false, "subtask failed", 0)
			if status, reason, fatal := d.replan(ctx, tc, t); fatal {
				return status, reason
			}

		case act.ForUser:
			d.record(ctx, tc, proposal, true, "", 0)
			d.publish(tc, event.StageAwaitingUser, "waiting for user takeover", stepPayload(tc, act))
			if !d.hold(ctx, act.Seconds) {
				return task.StatusCancelled, "cancelled"
			}

		default:
			started := d.clock.Now()
			result, err := d.backend.Execute(ctx, act)
			latency := d.clock.Now().Sub(started).Milliseconds()
			if err != nil {
				if ctx.Err() != nil {
					return task.StatusCancelled, "cancelled"
				}
				d.record(ctx, tc, proposal, false, err.Error(), latency)
				return task.StatusFailed, fmt.Sprintf("action execution failed: %v", err)
			}
			d.record(ctx, tc, proposal, result.Success, result.Error, latency)
			d.publish(tc, event.StageExecuting, fmt.Sprintf("step %d: %s", tc.Step, describeStep(proposal)), stepPayload(tc, act))
		}

		if tc.Step >= tc.MaxSteps {
			return task.StatusFailed, "step_budget_exhausted"
		}

		if tc.Current != nil && !act.IsSignal() {
			report := d.reflector.Review(ctx, tc)
			d.noteReflection(ctx, tc, report)
			if report.Recommendation == RecommendReplan {
				if status, reason, fatal := d.replan(ctx, tc, t); fatal {
					return status, reason
				}
			}
		}

		d.mirrorProgress(ctx, tc)
		d.flushConversation(ctx, tc)
	}
}

// replan marks the current subtask failed and asks the planner for a new
// queue. The bool result reports an unrecoverable planning failure.
func (d *Dispatcher) replan(ctx context.Context, tc *TaskContext, t *task.Task) (task.Status, string, bool) {
	failed := *tc.Current
	tc.Plan.Fail(failed)
	tc.AdvanceSubtask()
	d.mirrorPlan(ctx, tc)
	d.publish(tc, event.StageReplanning, fmt.Sprintf("replanning after subtask: %s", failed.Name), nil)

	queue, err := d.planner.Replan(ctx, tc)
	if err != nil {
		if ctx.Err() != nil {
			return task.StatusCancelled, "cancelled during replanning", true
		}
		return task.StatusFailed, fmt.Sprintf("replanning failed: %v", err), true
	}
	tc.Plan.Replace(queue)
	d.logger.Info("Task %s replanned: %s", t.TaskID, strings.Join(plan.Names(queue), " -> "))
	d.mirrorPlan(ctx, tc)
	d.flushConversation(ctx, tc)
	return "", "", false
}

// observe captures a screenshot, saves it, and rotates it into the context.
func (d *Dispatcher) observe(ctx context.Context, tc *TaskContext) error {
	shot, err := d.backend.Screenshot(ctx)
	if err != nil {
		return err
	}
	tc.ObserveScreenshot(shot)
	path, err := d.workspace.SaveScreenshot(shot.PNG)
	if err != nil {
		d.logger.Warn("Screenshot save failed: %v", err)
		return nil
	}
	tc.LastScreenshotPath = path
	return nil
}

// record appends one executed action to the trail, the workspace, and the
// step counters.
func (d *Dispatcher) record(ctx context.Context, tc *TaskContext, proposal Proposal, success bool, errText string, latencyMS int64) {
	subtask := ""
	if tc.Current != nil {
		subtask = tc.Current.Name
	}
	rec := action.Record{
		Step:        tc.Step + 1,
		Timestamp:   d.clock.Now().UTC(),
		Subtask:     subtask,
		Description: proposal.Description,
		Action:      proposal.Action,
		Success:     success,
		Error:       errText,
		Screenshot:  tc.LastScreenshotPath,
		LatencyMS:   latencyMS,
	}
	tc.Record(rec)
	if err := d.workspace.AppendRecord("actions.jsonl", rec); err != nil {
		d.logger.Warn("Action record write failed: %v", err)
	}
}

// hold pauses for a takeover window; false means the context was cancelled.
func (d *Dispatcher) hold(ctx context.Context, seconds float64) bool {
	duration := defaultTakeoverHold
	if seconds > 0 {
		duration = time.Duration(seconds * float64(time.Second))
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (d *Dispatcher) noteReflection(ctx context.Context, tc *TaskContext, report QualityReport) {
	tc.Reflections = append(tc.Reflections, report)
	if err := d.workspace.AppendRecord("reflections.jsonl", report); err != nil {
		d.logger.Warn("Reflection record write failed: %v", err)
	}
	if report.Status != StatusGood {
		tc.LastReflection = strings.Join(append(append([]string{}, report.Issues...), report.Suggestions...), "; ")
	} else {
		tc.LastReflection = ""
	}
	if report.Source == "model" {
		d.publish(tc, event.StageReflecting, fmt.Sprintf("reflection: %s/%s", report.Status, report.Recommendation), report)
	}
}

// finish persists the terminal state, mirrors the termination file, emits
// the final event, and releases the sandbox when requested.
func (d *Dispatcher) finish(ctx context.Context, tc *TaskContext, t *task.Task, status task.Status, reason string) {
	cleanup := context.WithoutCancel(ctx)

	message := reason
	switch status {
	case task.StatusCompleted:
		message = tc.FinalMessage
		if message == "" {
			message = "task completed"
		}
	case task.StatusCancelled:
		if message == "" {
			message = "cancelled"
		}
	}

	opts := []task.TransitionOption{
		task.WithTransitionReason(reason),
		task.WithTransitionFinalMessage(message),
		task.WithTransitionStats(tc.Stats),
	}
	if status == task.StatusFailed {
		opts = append(opts, task.WithTransitionError(reason))
	}
	if err := d.store.SetStatus(cleanup, t.TaskID, status, opts...); err != nil {
		d.logger.Error("Terminal transition for %s failed: %v", t.TaskID, err)
	}
	d.flushConversation(cleanup, tc)

	termination := map[string]any{
		"status":   status,
		"reason":   reason,
		"ended_at": d.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := d.workspace.WriteState("termination.json", termination); err != nil {
		d.logger.Warn("Termination write failed: %v", err)
	}

	stage := event.StageFinished
	switch status {
	case task.StatusFailed:
		stage = event.StageFailed
	case task.StatusCancelled:
		stage = event.StageCancelled
	}
	d.publish(tc, stage, message, map[string]any{"status": status, "steps": tc.Stats.Steps})

	d.logger.Info("Task %s terminal: %s (%s), steps=%d tokens=%d/%d",
		t.TaskID, status, reason, tc.Stats.Steps, tc.Stats.InputTokens, tc.Stats.OutputTokens)

	if t.DestroySandboxOnExit {
		if err := d.backend.ReleaseSandbox(cleanup); err != nil {
			d.logger.Warn("Sandbox release for %s failed: %v", t.TaskID, err)
		}
	}
}

func (d *Dispatcher) publish(tc *TaskContext, stage event.Stage, message string, payload any) {
	ev := event.New(tc.TaskID, stage, message)
	if payload != nil {
		ev = ev.WithPayload(payload)
	}
	d.bus.Publish(ev)
}

func (d *Dispatcher) mirrorInstruction(tc *TaskContext, t *task.Task) {
	doc := map[string]any{
		"text":       t.Instruction,
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := d.workspace.WriteState("instruction.json", doc); err != nil {
		d.logger.Warn("Instruction write failed: %v", err)
	}
}

func (d *Dispatcher) mirrorPlan(ctx context.Context, tc *TaskContext) {
	snapshot := tc.Plan.MarshalSnapshot()
	if err := d.workspace.WriteState("plan.json", snapshot); err != nil {
		d.logger.Warn("Plan write failed: %v", err)
	}
	if err := d.store.Update(ctx, tc.TaskID, task.Patch{PlanJSON: snapshot}); err != nil {
		d.logger.Warn("Plan mirror to store failed: %v", err)
	}
}

func (d *Dispatcher) mirrorProgress(ctx context.Context, tc *TaskContext) {
	if err := d.store.UpdateProgress(ctx, tc.TaskID, tc.Stats); err != nil {
		d.logger.Warn("Progress mirror failed: %v", err)
	}
}

func (d *Dispatcher) flushConversation(ctx context.Context, tc *TaskContext) {
	pending := tc.PendingConversation()
	if len(pending) == 0 {
		return
	}
	if err := d.store.AppendConversation(ctx, tc.TaskID, pending); err != nil {
		d.logger.Warn("Conversation append failed: %v", err)
		return
	}
	tc.MarkConversationFlushed()
}

func stepPayload(tc *TaskContext, act action.Action) map[string]any {
	subtask := ""
	if tc.Current != nil {
		subtask = tc.Current.Name
	}
	return map[string]any{
		"step":    tc.Step,
		"subtask": subtask,
		"action":  act.Type,
	}
}

func describeStep(p Proposal) string {
	if p.Description != "" {
		return p.Description
	}
	return string(p.Action.Type)
}
