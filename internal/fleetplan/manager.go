package fleetplan

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/fleetd/fleetd/internal/model"
)

// Manager holds the currently loaded plan and serves reloads. Concurrent
// reload requests (fsnotify event racing an explicit reload command) are
// collapsed into one disk read via singleflight.
type Manager struct {
	path string

	mu   sync.RWMutex
	plan *model.FleetPlan
	sf   singleflight.Group
}

// NewManager loads the plan at path and returns a manager for it.
func NewManager(path string) (*Manager, error) {
	plan, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, plan: plan}, nil
}

// Path returns the plan file location.
func (m *Manager) Path() string {
	return m.path
}

// Current returns the loaded plan. The plan is immutable at runtime;
// callers must not modify it.
func (m *Manager) Current() *model.FleetPlan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plan
}

// Reload re-reads the plan from disk. On failure the previous plan stays
// active and the error is returned.
func (m *Manager) Reload() (*model.FleetPlan, error) {
	v, err, _ := m.sf.Do("reload", func() (any, error) {
		plan, err := Load(m.path)
		if err != nil {
			return nil, fmt.Errorf("reload fleet plan: %w", err)
		}
		m.mu.Lock()
		m.plan = plan
		m.mu.Unlock()
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.FleetPlan), nil
}
