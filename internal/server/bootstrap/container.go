// Package bootstrap builds the service container and runs the HTTP server
// lifecycle: configuration in, wired components out, graceful drain on
// SIGINT/SIGTERM.
package bootstrap

import (
	"context"

	"navi/internal/domain/task"
	"navi/internal/infra/backend"
	"navi/internal/infra/observability"
	"navi/internal/infra/state"
	"navi/internal/infra/tools"
	"navi/internal/server/app"
	"navi/internal/shared/config"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

// interruptReason is stamped on tasks found pending or running at startup.
// Their dispatchers died with the previous process.
const interruptReason = "process_restart"

// Container holds the wired service components. Close releases them in
// reverse dependency order.
type Container struct {
	Config   config.Config
	Metrics  *observability.Metrics
	Store    task.Store
	Backends *backend.Factory
	Registry *tools.Registry
	Manager  *app.Manager
	Degraded *DegradedComponents

	logger logging.Logger
}

// ContainerOption customises BuildContainer.
type ContainerOption func(*containerOptions)

type containerOptions struct {
	version string
	logger  logging.Logger
}

// WithVersion sets the version string the manager reports.
func WithVersion(version string) ContainerOption {
	return func(o *containerOptions) { o.version = version }
}

// WithLogger replaces every component logger (tests).
func WithLogger(logger logging.Logger) ContainerOption {
	return func(o *containerOptions) { o.logger = logger }
}

// BuildContainer wires the task store, backend factory, tool registry,
// metrics collector, and task manager from the resolved configuration.
// The store is required; the interrupted-task sweep and the metrics
// collector degrade instead of aborting.
func BuildContainer(ctx context.Context, cfg config.Config, opts ...ContainerOption) (*Container, error) {
	options := containerOptions{version: "dev"}
	for _, opt := range opts {
		opt(&options)
	}
	component := func(name string) logging.Logger {
		if options.logger != nil {
			return options.logger
		}
		return logging.NewComponentLogger(name)
	}
	logger := component("Bootstrap")

	c := &Container{Config: cfg, Degraded: NewDegradedComponents(), logger: logger}

	stages := []Stage{
		{
			Name: "state-store", Required: true,
			Init: func() error {
				store, err := buildStore(ctx, cfg)
				if err != nil {
					return err
				}
				c.Store = store
				return nil
			},
		},
		{
			Name: "interrupted-sweep", Required: false,
			Init: func() error {
				n, err := c.Store.MarkInterrupted(ctx, interruptReason)
				if err != nil {
					return err
				}
				if n > 0 {
					logger.Warn("Settled %d task(s) left running by the previous process", n)
				}
				return nil
			},
		},
		{
			Name: "metrics", Required: false,
			Init: func() error {
				metrics, err := observability.New(observability.Config{
					Enabled: cfg.EnableMetrics,
					Port:    cfg.MetricsPort,
				}, component("Metrics"))
				if err != nil {
					return err
				}
				c.Metrics = metrics
				return nil
			},
		},
	}
	if err := RunStages(stages, c.Degraded, logger); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = c.Close(closeCtx)
		return nil, err
	}

	c.Backends = backend.NewFactory(cfg.Backend, component("Backend"))
	c.Registry = tools.NewRegistry(cfg,
		tools.WithLogger(component("Tools")),
		tools.WithMetrics(c.Metrics),
	)
	c.Manager = app.NewManager(cfg, c.Store, c.Backends, c.Registry,
		app.WithLogger(component("TaskManager")),
		app.WithMetrics(c.Metrics),
		app.WithVersion(options.version),
	)
	return c, nil
}

func buildStore(ctx context.Context, cfg config.Config) (task.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageMemory:
		return state.NewMemoryStore(), nil
	case config.StorageSQL:
		store, err := state.NewPostgresStore(ctx, cfg.SQLConnectionString)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.Validationf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// Close drains the manager, then releases the store and the metrics
// scrape server. Safe on a partially built container.
func (c *Container) Close(ctx context.Context) error {
	var first error
	if c.Manager != nil {
		first = c.Manager.Shutdown(ctx)
	}
	if c.Store != nil {
		c.Store.Close()
	}
	if c.Metrics != nil {
		if err := c.Metrics.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
