package app

import (
	"context"

	"navi/internal/shared/errors"
)

// SandboxAuth carries caller-supplied cloud credentials that override the
// service's configured ones for a single provisioning call.
type SandboxAuth struct {
	APIKey      string `json:"api_key"`
	OrgID       string `json:"org_id"`
	APIEndpoint string `json:"api_endpoint,omitempty"`
}

// SandboxRequest asks for a standalone sandbox, outside any task run. The
// returned id can later be passed as the sandbox field of a task request.
type SandboxRequest struct {
	Name           string       `json:"name,omitempty"`
	MaxLifeSeconds int          `json:"max_life_seconds,omitempty"`
	ProjectID      string       `json:"project_id,omitempty"`
	Shape          string       `json:"shape,omitempty"`
	Auth           *SandboxAuth `json:"auth,omitempty"`
}

// SandboxInfo describes a provisioned sandbox.
type SandboxInfo struct {
	ID     string `json:"sandbox_id"`
	Shape  string `json:"shape,omitempty"`
	Status string `json:"status,omitempty"`
}

// SandboxProvisioner is the optional factory capability behind the sandbox
// provisioning operation. Local-only factories simply do not implement it.
type SandboxProvisioner interface {
	CreateSandbox(ctx context.Context, req SandboxRequest) (SandboxInfo, error)
}

// CreateSandbox provisions a sandbox through the backend factory without
// admitting a task first.
func (m *Manager) CreateSandbox(ctx context.Context, req SandboxRequest) (SandboxInfo, error) {
	provisioner, ok := m.backends.(SandboxProvisioner)
	if !ok {
		return SandboxInfo{}, errors.Unavailablef("backend %q cannot provision sandboxes", m.cfg.Backend.Name)
	}
	info, err := provisioner.CreateSandbox(ctx, req)
	if err != nil {
		return SandboxInfo{}, err
	}
	m.metrics.SandboxCreated(ctx, "api")
	m.logger.Info("Sandbox %s provisioned on request", info.ID)
	return info, nil
}
