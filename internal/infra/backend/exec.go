package backend

import (
	"context"
	"os/exec"
)

// commandRunner abstracts external binary invocation so the exec-backed
// adapters can be tested without the binaries installed. The default runs
// the command and returns combined stdout+stderr.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// runStdout keeps stderr out of the result, for commands whose stdout is a
// binary payload.
func runStdout(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
