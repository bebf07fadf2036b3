// Package state provides the task store implementations: a process-local
// memory store and a PostgreSQL store for durable deployments.
package state

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"navi/internal/domain/task"
	"navi/internal/shared/errors"
)

// MemoryStore keeps all tasks in process memory. It is the default store
// and the fixture for tests; contents are lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*task.Task
	transitions map[string][]task.Transition
	nextTransID int64
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*task.Task),
		transitions: make(map[string][]task.Transition),
		now:         time.Now,
	}
}

func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *MemoryStore) Create(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.TaskID]; exists {
		return task.ErrAlreadyExists
	}
	clone := t.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now().UTC()
	}
	clone.UpdatedAt = s.now().UTC()
	if clone.Status == "" {
		clone.Status = task.StatusPending
	}
	s.tasks[t.TaskID] = clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return nil, errors.NotFoundf("task not found: %s", taskID)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, taskID string, patch task.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return errors.NotFoundf("task not found: %s", taskID)
	}
	applyPatch(t, patch)
	t.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, taskID string, status task.Status, opts ...task.TransitionOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return errors.NotFoundf("task not found: %s", taskID)
	}
	if !t.Status.CanTransitionTo(status) {
		if t.Status.IsTerminal() {
			return errors.AlreadyTerminalf("task %s is already %s", taskID, t.Status)
		}
		return errors.Validationf("illegal transition %s -> %s for task %s", t.Status, status, taskID)
	}

	params := task.ApplyTransitionOptions(opts)
	now := s.now().UTC()
	from := t.Status
	t.Status = status
	t.UpdatedAt = now
	switch {
	case status == task.StatusRunning:
		started := now
		t.StartedAt = &started
	case status.IsTerminal():
		ended := now
		t.EndedAt = &ended
	}
	if params.FinalMessage != nil {
		t.FinalMessage = *params.FinalMessage
	}
	if params.ErrorText != nil {
		t.Error = *params.ErrorText
	}
	if params.Stats != nil {
		t.Stats = *params.Stats
	}

	s.nextTransID++
	s.transitions[taskID] = append(s.transitions[taskID], task.Transition{
		ID:         s.nextTransID,
		TaskID:     taskID,
		FromStatus: from,
		ToStatus:   status,
		Reason:     params.Reason,
		CreatedAt:  now,
	})
	return nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, taskID string, stats task.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return errors.NotFoundf("task not found: %s", taskID)
	}
	t.Stats = stats
	t.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) AppendConversation(ctx context.Context, taskID string, messages []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return errors.NotFoundf("task not found: %s", taskID)
	}
	for _, msg := range messages {
		t.Conversation = append(t.Conversation, append(json.RawMessage(nil), msg...))
	}
	t.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int, offset int) ([]*task.Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].TaskID > all[j].TaskID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*task.Task{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := make([]*task.Task, 0, end-offset)
	for _, t := range all[offset:end] {
		page = append(page, t.Clone())
	}
	return page, total, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if !t.Status.IsTerminal() {
			active = append(active, t.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

func (s *MemoryStore) Transitions(ctx context.Context, taskID string) ([]task.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.tasks[taskID]; !exists {
		return nil, errors.NotFoundf("task not found: %s", taskID)
	}
	trail := s.transitions[taskID]
	out := make([]task.Transition, len(trail))
	copy(out, trail)
	return out, nil
}

func (s *MemoryStore) MarkInterrupted(ctx context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	count := 0
	for id, t := range s.tasks {
		if t.Status.IsTerminal() {
			continue
		}
		from := t.Status
		t.Status = task.StatusFailed
		t.Error = reason
		ended := now
		t.EndedAt = &ended
		t.UpdatedAt = now

		s.nextTransID++
		s.transitions[id] = append(s.transitions[id], task.Transition{
			ID:         s.nextTransID,
			TaskID:     id,
			FromStatus: from,
			ToStatus:   task.StatusFailed,
			Reason:     reason,
			CreatedAt:  now,
		})
		count++
	}
	return count, nil
}

func (s *MemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; !exists {
		return errors.NotFoundf("task not found: %s", taskID)
	}
	delete(s.tasks, taskID)
	delete(s.transitions, taskID)
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.EndedAt != nil && t.EndedAt.Before(before) {
			delete(s.tasks, id)
			delete(s.transitions, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() {}

// applyPatch copies the non-nil patch fields onto t. Callers hold the lock.
func applyPatch(t *task.Task, patch task.Patch) {
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		t.StartedAt = patch.StartedAt
	}
	if patch.EndedAt != nil {
		t.EndedAt = patch.EndedAt
	}
	if patch.SandboxID != nil {
		t.SandboxID = *patch.SandboxID
	}
	if patch.FinalMessage != nil {
		t.FinalMessage = *patch.FinalMessage
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	if patch.Stats != nil {
		t.Stats = *patch.Stats
	}
	if patch.PlanJSON != nil {
		t.PlanJSON = append(json.RawMessage(nil), patch.PlanJSON...)
	}
	if patch.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			t.Metadata[k] = v
		}
	}
}
