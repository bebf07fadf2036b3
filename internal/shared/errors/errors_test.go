package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navi/internal/shared/logging"
)

func TestKindSurvivesWrapping(t *testing.T) {
	cases := []struct {
		err       error
		kind      string
		predicate func(error) bool
	}{
		{Validationf("bad input %q", "x"), "validation", IsValidation},
		{Unavailablef("queue full"), "unavailable", IsUnavailable},
		{NotFoundf("task %s", "t-1"), "not_found", IsNotFound},
		{AlreadyTerminalf("task %s ended", "t-1"), "already_terminal", IsAlreadyTerminal},
		{ToolBudgetf("rate limited"), "tool_budget_exhausted", IsToolBudget},
		{Cancelledf("user cancel"), "cancelled", IsCancelled},
		{Fatalf("store unwritable"), "fatal", IsFatal},
		{Transientf("connection dropped"), "transient", IsTransient},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", tc.err))
			assert.True(t, tc.predicate(wrapped))
			assert.Equal(t, tc.kind, Kind(wrapped))
		})
	}
}

func TestKindFallbacks(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "internal", Kind(stderrors.New("something odd")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transientf("flaky")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(&HTTPError{StatusCode: 503, Status: "Service Unavailable"}))
	assert.True(t, IsTransient(&HTTPError{StatusCode: 429, Status: "Too Many Requests"}))
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(Cancelledf("stop")))
	assert.False(t, IsTransient(&HTTPError{StatusCode: 404, Status: "Not Found"}))
	assert.False(t, IsTransient(&HTTPError{StatusCode: 400, Status: "Bad Request"}))
	assert.False(t, IsTransient(Validationf("bad")))
}

func TestHTTPErrorMessage(t *testing.T) {
	err := &HTTPError{StatusCode: 502, Status: "Bad Gateway", Body: strings.Repeat("x", 300)}
	msg := err.Error()
	assert.Contains(t, msg, "http 502 Bad Gateway")
	assert.Contains(t, msg, "...")
	assert.Less(t, len(msg), 260)

	bare := &HTTPError{StatusCode: 404, Status: "Not Found"}
	assert.Equal(t, "http 404 Not Found", bare.Error())
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), logging.Nop(),
		func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, Transientf("attempt %d", calls)
			}
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), logging.Nop(),
		func(ctx context.Context) error {
			calls++
			return Validationf("bad request")
		})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), logging.Nop(),
		func(ctx context.Context) error {
			calls++
			return Transientf("still down")
		})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.True(t, IsTransient(err))
}

func TestRetryHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetryConfig(), logging.Nop(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}
