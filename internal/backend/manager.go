// Package backend routes sandboxes to the launcher of the backend they
// ask for.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
)

// ErrUnknown is returned for a backend that is not registered
var ErrUnknown = errors.New("unknown backend")

// Manager holds the registered launchers and the default one
type Manager struct {
	launchers map[string]browser.Launcher
	fallback  string
	mu        sync.RWMutex
}

// NewManager creates a manager whose default backend is the first
// launcher given.
func NewManager(launchers ...browser.Launcher) (*Manager, error) {
	if len(launchers) == 0 {
		return nil, errors.New("at least one backend is required")
	}

	m := &Manager{
		launchers: make(map[string]browser.Launcher, len(launchers)),
		fallback:  launchers[0].Name(),
	}
	for _, l := range launchers {
		if _, dup := m.launchers[l.Name()]; dup {
			return nil, fmt.Errorf("backend %s registered twice", l.Name())
		}
		m.launchers[l.Name()] = l
	}
	return m, nil
}

// Default returns the default backend name
func (m *Manager) Default() string {
	return m.fallback
}

// Route resolves a requested backend name; an empty name selects the
// default backend.
func (m *Manager) Route(requested string) (string, error) {
	if requested == "" {
		return m.fallback, nil
	}

	m.mu.RLock()
	_, exists := m.launchers[requested]
	m.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("%q: %w", requested, ErrUnknown)
	}
	return requested, nil
}

// Get returns the launcher of a backend
func (m *Manager) Get(name string) (browser.Launcher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, exists := m.launchers[name]
	if !exists {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknown)
	}
	return l, nil
}

// Check verifies every backend. An unusable default backend is an error;
// other unusable backends are returned by name so callers can report them.
func (m *Manager) Check(ctx context.Context) (map[string]error, error) {
	unavailable := make(map[string]error)
	for _, name := range m.Names() {
		l, err := m.Get(name)
		if err != nil {
			return nil, err
		}
		if err := l.Check(ctx); err != nil {
			if name == m.fallback {
				return nil, fmt.Errorf("backend %s: %w", name, err)
			}
			unavailable[name] = err
		}
	}
	return unavailable, nil
}

// Names returns the registered backend names, sorted
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.launchers))
	for name := range m.launchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every launcher
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, l := range m.launchers {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
