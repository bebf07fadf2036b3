package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navi/internal/domain/task"
	"navi/internal/shared/errors"
	"navi/internal/shared/testutil"
)

// Tests in this file talk to a live PostgreSQL and skip unless
// NAVI_TEST_DATABASE_URL is set.

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	pool, cleanup := testutil.NewPostgresTestPool(t)
	t.Cleanup(cleanup)
	store := NewPostgresStoreWithPool(pool)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestPostgresStoreEnsureSchemaIsRepeatable(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	// A second run must be a no-op, not a re-apply.
	require.NoError(t, store.EnsureSchema(ctx))

	var applied int
	require.NoError(t, store.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+migrationsTable).Scan(&applied))
	assert.Equal(t, len(taskMigrations()), applied)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	in := newTask("task-pg-a")
	in.SandboxID = "sbx-9"
	in.Config = json.RawMessage(`{"backend":"lybic"}`)
	in.Metadata = map[string]string{"origin": "api"}
	require.NoError(t, store.Create(ctx, in))

	err := store.Create(ctx, newTask("task-pg-a"))
	assert.ErrorIs(t, err, task.ErrAlreadyExists)

	got, err := store.Get(ctx, "task-pg-a")
	require.NoError(t, err)
	assert.Equal(t, "task-pg-a", got.TaskID)
	assert.Equal(t, "open the settings page", got.Instruction)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, "sbx-9", got.SandboxID)
	assert.Equal(t, task.ModeNormal, got.Mode)
	assert.Equal(t, task.PlatformWindows, got.Platform)
	assert.Equal(t, 50, got.MaxSteps)
	assert.JSONEq(t, `{"backend":"lybic"}`, string(got.Config))
	assert.Equal(t, "api", got.Metadata["origin"])
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.Conversation)

	_, err = store.Get(ctx, "task-pg-missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestPostgresStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	require.NoError(t, store.Create(ctx, newTask("task-pg-a")))

	require.NoError(t, store.SetStatus(ctx, "task-pg-a", task.StatusRunning))
	got, err := store.Get(ctx, "task-pg-a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, store.UpdateProgress(ctx, "task-pg-a",
		task.Stats{Steps: 2, InputTokens: 40, OutputTokens: 9}))
	require.NoError(t, store.AppendConversation(ctx, "task-pg-a", []json.RawMessage{
		json.RawMessage(`{"role":"user","content":"hello"}`),
		json.RawMessage(`{"role":"assistant","content":"hi"}`),
	}))
	require.NoError(t, store.AppendConversation(ctx, "task-pg-a", []json.RawMessage{
		json.RawMessage(`{"role":"user","content":"again"}`),
	}))

	require.NoError(t, store.SetStatus(ctx, "task-pg-a", task.StatusCompleted,
		task.WithTransitionReason("all subtasks done"),
		task.WithTransitionFinalMessage("done"),
		task.WithTransitionStats(task.Stats{Steps: 4, InputTokens: 100, OutputTokens: 20}),
	))
	got, err = store.Get(ctx, "task-pg-a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "done", got.FinalMessage)
	assert.Equal(t, 4, got.Stats.Steps)
	assert.Len(t, got.Conversation, 3)
	require.NotNil(t, got.EndedAt)

	err = store.SetStatus(ctx, "task-pg-a", task.StatusCancelled)
	assert.True(t, errors.IsAlreadyTerminal(err))

	trail, err := store.Transitions(ctx, "task-pg-a")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, task.StatusPending, trail[0].FromStatus)
	assert.Equal(t, task.StatusRunning, trail[0].ToStatus)
	assert.Equal(t, task.StatusCompleted, trail[1].ToStatus)
	assert.Equal(t, "all subtasks done", trail[1].Reason)
}

func TestPostgresStoreUpdatePatchMergesMetadata(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	in := newTask("task-pg-a")
	in.Metadata = map[string]string{"origin": "api"}
	require.NoError(t, store.Create(ctx, in))

	sandboxID := "sbx-123"
	require.NoError(t, store.Update(ctx, "task-pg-a", task.Patch{
		SandboxID: &sandboxID,
		PlanJSON:  json.RawMessage(`{"completed":[],"remaining":[{"name":"open settings"}],"failed":[]}`),
		Metadata:  map[string]string{"backend": "lybic"},
	}))

	got, err := store.Get(ctx, "task-pg-a")
	require.NoError(t, err)
	assert.Equal(t, "sbx-123", got.SandboxID)
	assert.Contains(t, string(got.PlanJSON), "open settings")
	// jsonb || merges instead of replacing.
	assert.Equal(t, "api", got.Metadata["origin"])
	assert.Equal(t, "lybic", got.Metadata["backend"])
}

func TestPostgresStoreListAndActive(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"task-pg-a", "task-pg-b", "task-pg-c"} {
		tk := newTask(id)
		tk.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, tk))
	}
	require.NoError(t, store.SetStatus(ctx, "task-pg-c", task.StatusRunning))
	require.NoError(t, store.SetStatus(ctx, "task-pg-c", task.StatusCompleted))

	page, total, err := store.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "task-pg-c", page[0].TaskID)
	assert.Equal(t, "task-pg-b", page[1].TaskID)

	page, _, err = store.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "task-pg-a", page[0].TaskID)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	// Oldest first, terminal rows excluded.
	assert.Equal(t, "task-pg-a", active[0].TaskID)
	assert.Equal(t, "task-pg-b", active[1].TaskID)
}

func TestPostgresStoreMarkInterruptedAndExpiry(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	require.NoError(t, store.Create(ctx, newTask("task-pg-a")))
	require.NoError(t, store.Create(ctx, newTask("task-pg-b")))
	require.NoError(t, store.Create(ctx, newTask("task-pg-c")))
	require.NoError(t, store.SetStatus(ctx, "task-pg-b", task.StatusRunning))
	require.NoError(t, store.SetStatus(ctx, "task-pg-c", task.StatusRunning))
	require.NoError(t, store.SetStatus(ctx, "task-pg-c", task.StatusCompleted))

	count, err := store.MarkInterrupted(ctx, "process_restart")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{"task-pg-a", "task-pg-b"} {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Equal(t, "process_restart", got.Error)
		require.NotNil(t, got.EndedAt)
	}
	got, err := store.Get(ctx, "task-pg-c")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)

	trail, err := store.Transitions(ctx, "task-pg-b")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, task.StatusFailed, trail[1].ToStatus)
	assert.Equal(t, "process_restart", trail[1].Reason)

	// Every row above ended in the past, so all three terminal rows expire.
	deleted, err := store.DeleteExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	_, err = store.Get(ctx, "task-pg-a")
	assert.True(t, errors.IsNotFound(err))
}
