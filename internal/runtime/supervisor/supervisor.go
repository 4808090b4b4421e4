package supervisor

import (
	"context"
	"sync"
)

// Component is a background task with an explicit lifecycle: bus
// watchers, schedulers, anything that owns a goroutine.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervisor starts registered components in order and stops them in
// reverse, so later components may depend on earlier ones.
type Supervisor struct {
	mu         sync.Mutex
	components []Component
	started    bool
}

// New creates an empty supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// Register adds a component. Registration is only allowed before Start.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("supervisor: cannot register component after start")
	}
	s.components = append(s.components, c)
}

// Start invokes Start on each component in registration order. If one
// fails, the components already started are stopped in reverse order
// and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	comps := append([]Component(nil), s.components...)
	s.mu.Unlock()

	started := make([]Component, 0, len(comps))
	for _, c := range comps {
		if err := c.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return err
		}
		started = append(started, c)
	}
	return nil
}

// Stop stops all components in reverse registration order, returning
// the first error. Safe to call even if Start was never invoked.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	comps := append([]Component(nil), s.components...)
	s.started = false
	s.mu.Unlock()

	var firstErr error
	for i := len(comps) - 1; i >= 0; i-- {
		if err := comps[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
