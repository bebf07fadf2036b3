package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"navi/internal/domain/task"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

const (
	tasksTable       = "navi_tasks"
	transitionsTable = "navi_task_transitions"
	migrationsTable  = "navi_schema_migrations"
)

// migrationLockKey serializes concurrent EnsureSchema callers through a
// transaction-scoped advisory lock.
const migrationLockKey = 874201

// PostgresStore persists tasks in PostgreSQL. Tasks survive process
// restarts; MarkInterrupted settles rows a crash left behind.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore connects a pool to the given database URL.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresStore"),
	}, nil
}

// NewPostgresStoreWithPool wraps an existing pool, mainly for tests.
func NewPostgresStoreWithPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresStore"),
	}
}

// migration is an ordered schema change. Statements stay idempotent so a
// replay after a torn run is harmless.
type migration struct {
	version int
	name    string
	stmts   []string
}

func taskMigrations() []migration {
	return []migration{
		{
			version: 1,
			name:    "task tables",
			stmts: []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    task_id TEXT PRIMARY KEY,
    instruction TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at TIMESTAMPTZ,
    ended_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    sandbox_id TEXT NOT NULL DEFAULT '',
    destroy_sandbox_on_exit BOOLEAN NOT NULL DEFAULT FALSE,
    mode TEXT NOT NULL DEFAULT 'normal',
    max_steps INTEGER NOT NULL DEFAULT 50,
    platform TEXT NOT NULL DEFAULT 'windows',
    stats JSONB NOT NULL DEFAULT '{}'::jsonb,
    final_message TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    previous_task_id TEXT NOT NULL DEFAULT '',
    config JSONB,
    plan JSONB,
    conversation JSONB NOT NULL DEFAULT '[]'::jsonb,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb
);`, tasksTable),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES %s (task_id) ON DELETE CASCADE,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, transitionsTable, tasksTable),
			},
		},
		{
			version: 2,
			name:    "task indexes",
			stmts: []string{
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status);`, tasksTable, tasksTable),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s (created_at DESC);`, tasksTable, tasksTable),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_task ON %s (task_id, id);`, transitionsTable, transitionsTable),
			},
		},
	}
}

// EnsureSchema applies pending migrations in version order and records
// each in the migrations table. Concurrent starters serialize on an
// advisory lock.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, migrationsTable)); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migrations: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	var current int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM `+migrationsTable).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range taskMigrations() {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+migrationsTable+` (version, name) VALUES ($1, $2)`,
			m.version, m.name); err != nil {
			return fmt.Errorf("record migration %d (%s): %w", m.version, m.name, err)
		}
		s.logger.Info("Applied schema migration %d: %s", m.version, m.name)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, t *task.Task) error {
	status := t.Status
	if status == "" {
		status = task.StatusPending
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	stats, err := json.Marshal(t.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	metadata, err := json.Marshal(orEmptyMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	conversation, err := json.Marshal(orEmptySlice(t.Conversation))
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	return s.write(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, `
INSERT INTO `+tasksTable+` (task_id, instruction, status, created_at, updated_at,
    sandbox_id, destroy_sandbox_on_exit, mode, max_steps, platform,
    stats, previous_task_id, config, plan, conversation, metadata)
VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (task_id) DO NOTHING
`, t.TaskID, t.Instruction, status, createdAt,
			t.SandboxID, t.DestroySandboxOnExit, t.Mode, t.MaxSteps, t.Platform,
			stats, t.PreviousTaskID, nullableJSON(t.Config), nullableJSON(t.PlanJSON), conversation, metadata)
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return task.ErrAlreadyExists
		}
		return nil
	})
}

const taskColumns = `task_id, instruction, status, created_at, started_at, ended_at, updated_at,
    sandbox_id, destroy_sandbox_on_exit, mode, max_steps, platform,
    stats, final_message, error, previous_task_id, config, plan, conversation, metadata`

func (s *PostgresStore) Get(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM `+tasksTable+` WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundf("task not found: %s", taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Update(ctx context.Context, taskID string, patch task.Patch) error {
	sets := []string{"updated_at = now()"}
	args := []any{taskID}
	add := func(clause string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(clause, len(args)))
	}

	if patch.Status != nil {
		add("status = $%d", *patch.Status)
	}
	if patch.StartedAt != nil {
		add("started_at = $%d", *patch.StartedAt)
	}
	if patch.EndedAt != nil {
		add("ended_at = $%d", *patch.EndedAt)
	}
	if patch.SandboxID != nil {
		add("sandbox_id = $%d", *patch.SandboxID)
	}
	if patch.FinalMessage != nil {
		add("final_message = $%d", *patch.FinalMessage)
	}
	if patch.Error != nil {
		add("error = $%d", *patch.Error)
	}
	if patch.Stats != nil {
		stats, err := json.Marshal(*patch.Stats)
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		add("stats = $%d", stats)
	}
	if patch.PlanJSON != nil {
		add("plan = $%d", []byte(patch.PlanJSON))
	}
	if patch.Metadata != nil {
		metadata, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		add("metadata = metadata || $%d::jsonb", metadata)
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE task_id = $1`, tasksTable, joinClauses(sets))
	return s.write(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return errors.NotFoundf("task not found: %s", taskID)
		}
		return nil
	})
}

func (s *PostgresStore) SetStatus(ctx context.Context, taskID string, status task.Status, opts ...task.TransitionOption) error {
	params := task.ApplyTransitionOptions(opts)
	return s.write(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transition: %w", err)
		}
		defer tx.Rollback(ctx)

		var current task.Status
		err = tx.QueryRow(ctx, `SELECT status FROM `+tasksTable+` WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&current)
		if err != nil {
			if err == pgx.ErrNoRows {
				return errors.NotFoundf("task not found: %s", taskID)
			}
			return fmt.Errorf("lock task: %w", err)
		}
		if !current.CanTransitionTo(status) {
			if current.IsTerminal() {
				return errors.AlreadyTerminalf("task %s is already %s", taskID, current)
			}
			return errors.Validationf("illegal transition %s -> %s for task %s", current, status, taskID)
		}

		now := time.Now().UTC()
		sets := []string{"status = $2", "updated_at = $3"}
		args := []any{taskID, status, now}
		add := func(clause string, value any) {
			args = append(args, value)
			sets = append(sets, fmt.Sprintf(clause, len(args)))
		}
		switch {
		case status == task.StatusRunning:
			add("started_at = $%d", now)
		case status.IsTerminal():
			add("ended_at = $%d", now)
		}
		if params.FinalMessage != nil {
			add("final_message = $%d", *params.FinalMessage)
		}
		if params.ErrorText != nil {
			add("error = $%d", *params.ErrorText)
		}
		if params.Stats != nil {
			stats, merr := json.Marshal(*params.Stats)
			if merr != nil {
				return fmt.Errorf("marshal stats: %w", merr)
			}
			add("stats = $%d", stats)
		}

		query := fmt.Sprintf(`UPDATE %s SET %s WHERE task_id = $1`, tasksTable, joinClauses(sets))
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("transition task: %w", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO `+transitionsTable+` (task_id, from_status, to_status, reason, created_at)
VALUES ($1, $2, $3, $4, $5)
`, taskID, current, status, params.Reason, now); err != nil {
			return fmt.Errorf("record transition: %w", err)
		}
		return tx.Commit(ctx)
	})
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, taskID string, stats task.Stats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	return s.write(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, `
UPDATE `+tasksTable+` SET stats = $2, updated_at = now() WHERE task_id = $1
`, taskID, payload)
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return errors.NotFoundf("task not found: %s", taskID)
		}
		return nil
	})
}

func (s *PostgresStore) AppendConversation(ctx context.Context, taskID string, messages []json.RawMessage) error {
	if len(messages) == 0 {
		return nil
	}
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.write(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, `
UPDATE `+tasksTable+`
SET conversation = COALESCE(conversation, '[]'::jsonb) || $2::jsonb, updated_at = now()
WHERE task_id = $1
`, taskID, payload)
		if err != nil {
			return fmt.Errorf("append conversation: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return errors.NotFoundf("task not found: %s", taskID)
		}
		return nil
	})
}

func (s *PostgresStore) List(ctx context.Context, limit int, offset int) ([]*task.Task, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+tasksTable).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+` FROM `+tasksTable+`
ORDER BY created_at DESC, task_id DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+` FROM `+tasksTable+`
WHERE status IN ($1, $2)
ORDER BY created_at ASC
`, task.StatusPending, task.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) Transitions(ctx context.Context, taskID string) ([]task.Transition, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, task_id, from_status, to_status, reason, created_at
FROM `+transitionsTable+`
WHERE task_id = $1
ORDER BY id ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var trail []task.Transition
	for rows.Next() {
		var tr task.Transition
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.FromStatus, &tr.ToStatus, &tr.Reason, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		trail = append(trail, tr)
	}
	return trail, rows.Err()
}

// MarkInterrupted fails every pending or running row and records the
// transition. Called once at startup to settle rows a crash left behind.
func (s *PostgresStore) MarkInterrupted(ctx context.Context, reason string) (int, error) {
	now := time.Now().UTC()
	var count int
	err := s.write(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, `
WITH stale AS (
    SELECT task_id, status FROM `+tasksTable+`
    WHERE status IN ($3, $4)
    FOR UPDATE
), settled AS (
    UPDATE `+tasksTable+` t
    SET status = $5, error = $1, ended_at = $2, updated_at = $2
    FROM stale s
    WHERE t.task_id = s.task_id
)
INSERT INTO `+transitionsTable+` (task_id, from_status, to_status, reason, created_at)
SELECT s.task_id, s.status, $5, $1, $2 FROM stale s
`, reason, now, task.StatusPending, task.StatusRunning, task.StatusFailed)
		if err != nil {
			return fmt.Errorf("mark interrupted: %w", err)
		}
		count = int(cmd.RowsAffected())
		return nil
	})
	return count, err
}

func (s *PostgresStore) Delete(ctx context.Context, taskID string) error {
	return s.write(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, `DELETE FROM `+tasksTable+` WHERE task_id = $1`, taskID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if cmd.RowsAffected() == 0 {
			return errors.NotFoundf("task not found: %s", taskID)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	var count int
	err := s.write(ctx, func(ctx context.Context) error {
		cmd, err := s.pool.Exec(ctx, `
DELETE FROM `+tasksTable+`
WHERE status IN ($2, $3, $4) AND ended_at IS NOT NULL AND ended_at < $1
`, before, task.StatusCompleted, task.StatusFailed, task.StatusCancelled)
		if err != nil {
			return fmt.Errorf("delete expired tasks: %w", err)
		}
		count = int(cmd.RowsAffected())
		return nil
	})
	return count, err
}

func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// write runs fn with the store retry policy. Lifecycle and not-found
// errors pass through unretried.
func (s *PostgresStore) write(ctx context.Context, fn func(ctx context.Context) error) error {
	return errors.Retry(ctx, errors.StoreRetryConfig(), s.logger, fn)
}

func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	tasks := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t            task.Task
		startedAt    *time.Time
		endedAt      *time.Time
		stats        []byte
		config       []byte
		planJSON     []byte
		conversation []byte
		metadata     []byte
	)
	err := row.Scan(&t.TaskID, &t.Instruction, &t.Status, &t.CreatedAt, &startedAt, &endedAt, &t.UpdatedAt,
		&t.SandboxID, &t.DestroySandboxOnExit, &t.Mode, &t.MaxSteps, &t.Platform,
		&stats, &t.FinalMessage, &t.Error, &t.PreviousTaskID, &config, &planJSON, &conversation, &metadata)
	if err != nil {
		return nil, err
	}
	t.StartedAt = startedAt
	t.EndedAt = endedAt
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &t.Stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
	}
	if len(config) > 0 {
		t.Config = json.RawMessage(config)
	}
	if len(planJSON) > 0 {
		t.PlanJSON = json.RawMessage(planJSON)
	}
	if len(conversation) > 0 {
		if err := json.Unmarshal(conversation, &t.Conversation); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &t, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(msgs []json.RawMessage) []json.RawMessage {
	if msgs == nil {
		return []json.RawMessage{}
	}
	return msgs
}

func joinClauses(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
