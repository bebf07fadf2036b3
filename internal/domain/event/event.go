package event

import (
	"encoding/json"
	"time"
)

// Stage labels a task lifecycle phase carried on the stream.
type Stage string

const (
	StageStarting     Stage = "starting"
	StagePlanning     Stage = "planning"
	StageExecuting    Stage = "executing"
	StageReflecting   Stage = "reflecting"
	StageReplanning   Stage = "replanning"
	StageAwaitingUser Stage = "awaiting_user"
	StageFinished     Stage = "finished"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// Terminal reports whether s ends the stream for its task.
func (s Stage) Terminal() bool {
	switch s {
	case StageFinished, StageFailed, StageCancelled:
		return true
	}
	return false
}

// StageEvent is one streamed progress message. Seq increases by one per
// event within a task; timestamps never move backwards across the stream.
type StageEvent struct {
	TaskID    string          `json:"task_id"`
	Seq       uint64          `json:"seq"`
	Stage     Stage           `json:"stage"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an event without a sequence number; the bus assigns Seq and
// Timestamp at publish time.
func New(taskID string, stage Stage, message string) StageEvent {
	return StageEvent{TaskID: taskID, Stage: stage, Message: message}
}

// WithPayload attaches structured data, dropping it on marshal failure.
func (e StageEvent) WithPayload(v any) StageEvent {
	if v == nil {
		return e
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return e
	}
	e.Payload = raw
	return e
}
