package agent

import (
	"context"

	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

// invokeTool calls one named tool with the caller-side retry policy:
// retryable failures are re-attempted twice (500ms, then 2s), everything
// else surfaces immediately.
func invokeTool(ctx context.Context, invoker ToolInvoker, logger logging.Logger, tool, text string, image []byte) (ToolResult, error) {
	return errors.RetryWithResult(ctx, errors.ToolRetryConfig(), logger, func(ctx context.Context) (ToolResult, error) {
		return invoker.Invoke(ctx, tool, text, image)
	})
}
