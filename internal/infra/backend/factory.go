// Package backend implements the sandbox adapters behind the agent.Backend
// port: the lybic cloud sandbox in desktop and mobile flavours, a local X11
// desktop driven by xdotool, and Android devices driven by adb. Every adapter
// consumes the neutral action schema from internal/domain/action and maps it
// onto its own device API; transient transport failures are retried inside
// the adapter, logical failures surface as unsuccessful results.
package backend

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"navi/internal/domain/agent"
	"navi/internal/infra/httpclient"
	"navi/internal/server/app"
	"navi/internal/shared/config"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

// Closed backend catalog. Requests naming anything else are rejected at
// validation time.
const (
	NameLybic       = "lybic"
	NameLybicMobile = "lybic_mobile"
	NameLocalGUI    = "local_gui"
	NameVM          = "vm"
	NameADB         = "adb"
)

// Names returns the catalog in a stable order.
func Names() []string {
	return []string{NameLybic, NameLybicMobile, NameLocalGUI, NameVM, NameADB}
}

// Factory builds per-task backends from the closed catalog. One factory is
// shared across tasks; the adapters it hands out are per-task (the lybic ones
// carry a sandbox binding).
type Factory struct {
	cfg    config.BackendConfig
	logger logging.Logger
	client *lybicClient
}

var _ app.BackendFactory = (*Factory)(nil)

// NewFactory wires a factory against the backend credentials in cfg. The
// lybic client is constructed lazily so purely local deployments never touch
// HTTP configuration.
func NewFactory(cfg config.BackendConfig, logger logging.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logging.OrNop(logger)}
}

// Known reports whether name is in the catalog.
func (f *Factory) Known(name string) bool {
	switch name {
	case NameLybic, NameLybicMobile, NameLocalGUI, NameVM, NameADB:
		return true
	}
	return false
}

// Create binds a backend for one task run. For the cloud flavours this
// creates (or attaches to) a sandbox, which can take a while; callers pass a
// context that covers provisioning.
func (f *Factory) Create(ctx context.Context, spec app.BackendSpec) (agent.Backend, error) {
	switch spec.Name {
	case NameLybic:
		return f.bindLybic(ctx, spec, false)
	case NameLybicMobile:
		return f.bindLybic(ctx, spec, true)
	case NameVM:
		// Same wire protocol as lybic against a user-operated controller;
		// the endpoint must be explicit because there is no hosted default.
		if strings.TrimSpace(f.cfg.APIEndpoint) == "" {
			return nil, errors.Validationf("vm backend requires api_endpoint")
		}
		return f.bindLybic(ctx, spec, false)
	case NameLocalGUI:
		if runtime.GOOS != "linux" {
			return nil, errors.Validationf("local_gui backend requires a Linux desktop, running on %s", runtime.GOOS)
		}
		if os.Getenv("DISPLAY") == "" {
			return nil, errors.Validationf("local_gui backend requires DISPLAY to be set")
		}
		return NewLocalGUI(f.logger), nil
	case NameADB:
		return NewADB(spec.SandboxID, f.logger), nil
	default:
		return nil, errors.Validationf("unknown backend %q", spec.Name)
	}
}

func (f *Factory) bindLybic(ctx context.Context, spec app.BackendSpec, mobile bool) (agent.Backend, error) {
	client, err := f.lybic()
	if err != nil {
		return nil, err
	}

	sid := strings.TrimSpace(spec.SandboxID)
	if sid != "" {
		f.logger.Info("Attaching to existing sandbox %s", sid)
		return newLybicBackend(spec.Name, client, sid, mobile, f.logger), nil
	}

	maxLife := f.cfg.MaxLifeSeconds
	if maxLife <= 0 {
		maxLife = config.DefaultMaxLifeSeconds
	}
	shape := spec.Shape
	if shape == "" {
		shape = f.cfg.Shape
	}
	sandbox, err := client.createSandbox(ctx, createSandboxRequest{
		Name:           fmt.Sprintf("navi-%s", spec.Platform),
		MaxLifeSeconds: maxLife,
		Shape:          shape,
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	f.logger.Info("Created sandbox %s (shape %q)", sandbox.ID, shape)
	return newLybicBackend(spec.Name, client, sandbox.ID, mobile, f.logger), nil
}

// CreateSandbox provisions a sandbox without binding a task to it, for the
// standalone sandbox provisioning API. Caller-supplied auth, when present,
// replaces the configured credentials for this one call.
func (f *Factory) CreateSandbox(ctx context.Context, req app.SandboxRequest) (app.SandboxInfo, error) {
	var client *lybicClient
	if req.Auth != nil && strings.TrimSpace(req.Auth.APIKey) != "" {
		if strings.TrimSpace(req.Auth.OrgID) == "" {
			return app.SandboxInfo{}, errors.Validationf("sandbox auth requires org_id")
		}
		endpoint := strings.TrimSpace(req.Auth.APIEndpoint)
		if endpoint == "" {
			endpoint = defaultLybicEndpoint
		}
		parsed, err := httpclient.ValidateOutboundURL(endpoint, httpclient.URLValidationOptions{
			AllowLocalhost:       true,
			AllowPrivateNetworks: true,
		})
		if err != nil {
			return app.SandboxInfo{}, errors.Validationf("sandbox auth api_endpoint: %v", err)
		}
		client = newLybicClient(parsed.String(), req.Auth.APIKey, req.Auth.OrgID, f.logger)
	} else {
		var err error
		client, err = f.lybic()
		if err != nil {
			return app.SandboxInfo{}, err
		}
	}

	maxLife := req.MaxLifeSeconds
	if maxLife <= 0 {
		maxLife = f.cfg.MaxLifeSeconds
	}
	if maxLife <= 0 {
		maxLife = config.DefaultMaxLifeSeconds
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "navi-sandbox"
	}
	shape := req.Shape
	if shape == "" {
		shape = f.cfg.Shape
	}

	sandbox, err := client.createSandbox(ctx, createSandboxRequest{
		Name:           name,
		MaxLifeSeconds: maxLife,
		Shape:          shape,
		ProjectID:      req.ProjectID,
	})
	if err != nil {
		return app.SandboxInfo{}, err
	}
	return app.SandboxInfo{ID: sandbox.ID, Shape: sandbox.Shape, Status: sandbox.Status}, nil
}

func (f *Factory) lybic() (*lybicClient, error) {
	if f.client != nil {
		return f.client, nil
	}
	if strings.TrimSpace(f.cfg.APIKey) == "" {
		return nil, errors.Validationf("backend api_key is not configured")
	}
	if strings.TrimSpace(f.cfg.ProjectID) == "" {
		return nil, errors.Validationf("backend project_id is not configured")
	}
	base := strings.TrimSpace(f.cfg.APIEndpoint)
	if base == "" {
		base = defaultLybicEndpoint
	}
	parsed, err := httpclient.ValidateOutboundURL(base, httpclient.URLValidationOptions{
		AllowLocalhost:       true,
		AllowPrivateNetworks: true,
	})
	if err != nil {
		return nil, errors.Validationf("backend api_endpoint: %v", err)
	}
	f.client = newLybicClient(parsed.String(), f.cfg.APIKey, f.cfg.ProjectID, f.logger)
	return f.client, nil
}
