// Package recovery runs the startup steps that bring persisted work back in
// line after a restart: stale jobs, unnotified incidents and broadcasts left
// in the sending state.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable restores one component's state at startup. It returns how
// many records it touched.
type Recoverable interface {
	RecoverState(ctx context.Context) (int, error)
}

// Func adapts a plain function to Recoverable.
type Func func(ctx context.Context) (int, error)

// RecoverState implements Recoverable.
func (f Func) RecoverState(ctx context.Context) (int, error) { return f(ctx) }

type step struct {
	name string
	r    Recoverable
}

// Manager runs registered components in registration order.
type Manager struct {
	steps []step
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component under name.
func (m *Manager) Register(name string, r Recoverable) {
	m.steps = append(m.steps, step{name: name, r: r})
}

// Len reports the number of registered components.
func (m *Manager) Len() int { return len(m.steps) }

// RecoverAll runs every component even when an earlier one fails, and
// reports how many failed.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.steps))

	var failed []string
	for _, s := range m.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.r.RecoverState(ctx)
		if err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", s.name, "error", err)
			failed = append(failed, s.name)
			continue
		}
		if n > 0 {
			slog.Info("Manager.RecoverAll: component recovered", "component", s.name, "count", n)
		}
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", len(m.steps)-len(failed), "errors", len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components: %v", len(failed), len(m.steps), failed)
	}
	return nil
}
