// Package lifecycle tears down the application's long-lived resources.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Manager closes registered resources last-in first-out, so a resource is
// always closed before the things it was built on.
type Manager struct {
	mu     sync.Mutex
	stack  []named
	closed bool
	logger zerolog.Logger
}

type named struct {
	name string
	io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register queues c for Close. Registering after Close closes c right away.
func (m *Manager) Register(name string, c io.Closer) {
	m.mu.Lock()
	if !m.closed {
		m.stack = append(m.stack, named{name, c})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Warn().Str("resource", name).Msg("lifecycle.register_after_close")
	if err := m.closeOne(named{name, c}); err != nil {
		m.logger.Error().Err(err).Msg("lifecycle.close_resource_failed")
	}
}

func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close closes everything once. Failures do not stop the remaining closes;
// they are joined into the returned error.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stack := m.stack
	m.stack = nil
	m.mu.Unlock()

	var errs []error
	for i := len(stack) - 1; i >= 0; i-- {
		if err := m.closeOne(stack[i]); err != nil {
			m.logger.Error().Err(err).Str("resource", stack[i].name).Msg("lifecycle.close_resource_failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) closeOne(r named) error {
	if err := r.Close(); err != nil {
		return fmt.Errorf("close %s: %w", r.name, err)
	}
	m.logger.Debug().Str("resource", r.name).Msg("lifecycle.resource_closed")
	return nil
}
