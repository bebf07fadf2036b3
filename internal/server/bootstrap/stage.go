package bootstrap

import (
	"fmt"
	"sync"

	"navi/internal/shared/logging"
)

// Stage is one initialization step during server startup.
type Stage struct {
	Name     string
	Required bool
	Init     func() error
}

// DegradedComponents tracks optional components that failed to initialize.
// The server starts without them and reports the set at startup.
type DegradedComponents struct {
	mu         sync.RWMutex
	components map[string]string
}

// NewDegradedComponents creates an empty tracker.
func NewDegradedComponents() *DegradedComponents {
	return &DegradedComponents{components: make(map[string]string)}
}

// Record marks a component as degraded with the failure reason.
func (d *DegradedComponents) Record(name, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components[name] = reason
}

// Map returns a snapshot of the degraded components.
func (d *DegradedComponents) Map() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.components))
	for name, reason := range d.components {
		out[name] = reason
	}
	return out
}

// IsEmpty reports whether every component initialized cleanly.
func (d *DegradedComponents) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.components) == 0
}

// RunStages executes stages in order. A failed required stage aborts
// startup; a failed optional stage is recorded as degraded and execution
// continues.
func RunStages(stages []Stage, degraded *DegradedComponents, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, stage := range stages {
		logger.Debug("Running startup stage %s", stage.Name)
		if err := stage.Init(); err != nil {
			if stage.Required {
				return fmt.Errorf("startup stage %s: %w", stage.Name, err)
			}
			logger.Warn("Optional stage %s failed: %v (continuing without it)", stage.Name, err)
			if degraded != nil {
				degraded.Record(stage.Name, err.Error())
			}
		}
	}
	return nil
}
