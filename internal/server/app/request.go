package app

import (
	"strings"

	"navi/internal/domain/agent"
	"navi/internal/domain/task"
	"navi/internal/shared/config"
	"navi/internal/shared/errors"
)

// TaskRequest is the admission input for one instruction run. The HTTP layer
// and the CLI both decode into this shape.
type TaskRequest struct {
	Instruction     string             `json:"instruction"`
	SandboxID       string             `json:"sandbox,omitempty"`
	DestroySandbox  bool               `json:"destroy_sandbox,omitempty"`
	ContinueContext bool               `json:"continue_context,omitempty"`
	PreviousTaskID  string             `json:"previous_task_id,omitempty"`
	Config          *TaskRequestConfig `json:"config,omitempty"`
}

// TaskRequestConfig carries the optional per-task execution settings.
// Pointer fields distinguish "absent" from an explicit false or zero.
type TaskRequestConfig struct {
	Backend        string                         `json:"backend,omitempty"`
	Mode           string                         `json:"mode,omitempty"`
	MaxSteps       int                            `json:"max_steps,omitempty"`
	Platform       string                         `json:"platform,omitempty"`
	Shape          string                         `json:"shape,omitempty"`
	EnableSearch   *bool                          `json:"enable_search,omitempty"`
	EnableTakeover bool                           `json:"enable_takeover,omitempty"`
	ToolOverrides  map[string]config.ToolOverride `json:"per_tool_overrides,omitempty"`
}

// taskParams is a fully resolved request: defaults applied, values checked.
type taskParams struct {
	instruction    string
	sandboxID      string
	destroySandbox bool
	previousTaskID string
	backend        string
	mode           task.Mode
	maxSteps       int
	platform       task.Platform
	shape          string
	enableSearch   bool
	enableTakeover bool
	overrides      map[string]config.ToolOverride
}

// resolve validates req against cfg and the backend catalog, applying the
// configured defaults to absent fields. Search defaults to enabled.
func (req TaskRequest) resolve(cfg config.Config, backends BackendFactory) (taskParams, error) {
	p := taskParams{
		instruction:    strings.TrimSpace(req.Instruction),
		sandboxID:      strings.TrimSpace(req.SandboxID),
		destroySandbox: req.DestroySandbox,
		backend:        cfg.Backend.Name,
		mode:           task.Mode(cfg.DefaultMode),
		maxSteps:       cfg.DefaultMaxSteps,
		platform:       task.Platform(cfg.DefaultPlatform),
		shape:          cfg.Backend.Shape,
		enableSearch:   true,
	}
	if p.instruction == "" {
		return p, errors.Validationf("instruction is required")
	}

	if rc := req.Config; rc != nil {
		if rc.Backend != "" {
			p.backend = rc.Backend
		}
		if rc.Mode != "" {
			p.mode = task.Mode(rc.Mode)
		}
		if rc.MaxSteps != 0 {
			p.maxSteps = rc.MaxSteps
		}
		if rc.Platform != "" {
			p.platform = task.Platform(rc.Platform)
		}
		if rc.Shape != "" {
			p.shape = rc.Shape
		}
		if rc.EnableSearch != nil {
			p.enableSearch = *rc.EnableSearch
		}
		p.enableTakeover = rc.EnableTakeover
		p.overrides = rc.ToolOverrides
	}

	if !p.mode.Valid() {
		return p, errors.Validationf("unknown mode %q", p.mode)
	}
	if !p.platform.Valid() {
		return p, errors.Validationf("unknown platform %q", p.platform)
	}
	if p.maxSteps < 1 {
		return p, errors.Validationf("max_steps must be >= 1, got %d", p.maxSteps)
	}
	if backends != nil && !backends.Known(p.backend) {
		return p, errors.Validationf("unknown backend %q", p.backend)
	}
	for name := range p.overrides {
		if !agent.KnownTool(name) {
			return p, errors.Validationf("unknown tool %q in per_tool_overrides", name)
		}
	}

	if req.ContinueContext {
		p.previousTaskID = strings.TrimSpace(req.PreviousTaskID)
		if p.previousTaskID == "" {
			return p, errors.Validationf("continue_context requires previous_task_id")
		}
	}
	return p, nil
}
