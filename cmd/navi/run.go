package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"navi/internal/domain/event"
	"navi/internal/server/app"
	"navi/internal/server/bootstrap"
	"navi/internal/shared/config"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

// run executes one instruction with the engine embedded in-process and
// renders the stage stream until the task reaches a terminal state.
func run(out io.Writer, opts runOptions) error {
	if strings.TrimSpace(opts.query) == "" {
		return errors.Validationf("--query is required")
	}

	cfg, err := config.Load(config.WithFile(opts.configFile))
	if err != nil {
		return err
	}
	// One-shot runs keep state in memory and the console clean for stage
	// lines; durable storage and metrics belong to navi-server.
	cfg.StorageBackend = config.StorageMemory
	cfg.EnableMetrics = false
	logging.Configure(cfg.LogDir, logging.ParseLevel(cfg.LogLevel), false)
	defer func() { _ = logging.Close() }()

	container, err := bootstrap.BuildContainer(context.Background(), cfg,
		bootstrap.WithVersion(version))
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Close(ctx)
	}()

	req := app.TaskRequest{Instruction: opts.query, Config: requestConfig(opts)}
	t, events, unsubscribe, err := container.Manager.RunStreaming(context.Background(), req)
	if err != nil {
		return err
	}
	defer unsubscribe()

	fmt.Fprintf(out, "%s %s\n", gray(t.TaskID), bold(opts.query))

	// The first interrupt cancels the task and lets the stream drain to
	// its terminal event; a second one exits immediately.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		fmt.Fprintf(os.Stderr, "\n%s\n", yellow("interrupt received, cancelling task"))
		_, _ = container.Manager.Cancel(context.Background(), t.TaskID)
		<-sig
		os.Exit(130)
	}()

	var final event.StageEvent
	for ev := range events {
		renderEvent(out, ev)
		if ev.Stage.Terminal() {
			final = ev
		}
	}

	printSummary(out, container.Manager, t.TaskID)

	switch final.Stage {
	case event.StageFinished:
		return nil
	case event.StageCancelled:
		return errors.Cancelledf("task cancelled")
	case event.StageFailed:
		if final.Message != "" {
			return fmt.Errorf("task failed: %s", final.Message)
		}
		return fmt.Errorf("task failed")
	default:
		return fmt.Errorf("event stream ended without a terminal stage")
	}
}

func requestConfig(opts runOptions) *app.TaskRequestConfig {
	reqCfg := &app.TaskRequestConfig{
		Backend:        opts.backend,
		Mode:           opts.mode,
		MaxSteps:       opts.maxSteps,
		EnableTakeover: opts.enableTakeover,
	}
	if opts.disableSearch {
		disabled := false
		reqCfg.EnableSearch = &disabled
	}
	return reqCfg
}

var stageColors = map[event.Stage]func(a ...interface{}) string{
	event.StageStarting:     cyan,
	event.StagePlanning:     blue,
	event.StageExecuting:    green,
	event.StageReflecting:   yellow,
	event.StageReplanning:   yellow,
	event.StageAwaitingUser: magenta,
	event.StageFinished:     green,
	event.StageFailed:       red,
	event.StageCancelled:    red,
}

// renderEvent prints one stage line: timestamp, padded colored stage, message.
func renderEvent(out io.Writer, ev event.StageEvent) {
	paint, ok := stageColors[ev.Stage]
	if !ok {
		paint = gray
	}
	stage := fmt.Sprintf("%-13s", string(ev.Stage))
	fmt.Fprintf(out, "%s %s %s\n",
		gray(ev.Timestamp.Format("15:04:05")), paint(stage), ev.Message)
}

func printSummary(out io.Writer, manager *app.Manager, taskID string) {
	t, err := manager.Query(context.Background(), taskID)
	if err != nil {
		return
	}
	summary := fmt.Sprintf("%d steps · %d in / %d out tokens",
		t.Stats.Steps, t.Stats.InputTokens, t.Stats.OutputTokens)
	if t.Stats.CostUSD > 0 {
		summary += fmt.Sprintf(" · $%.4f", t.Stats.CostUSD)
	}
	if t.StartedAt != nil && t.EndedAt != nil {
		summary = fmt.Sprintf("%.1fs · %s", t.EndedAt.Sub(*t.StartedAt).Seconds(), summary)
	}
	fmt.Fprintln(out, gray(summary))
}
