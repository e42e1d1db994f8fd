package timer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrUnknownTimer is returned for ids no configured timer has.
var ErrUnknownTimer = errors.New("unknown timer")

// Manager owns every configured timer.
type Manager struct {
	runners map[string]*Runner
	order   []string
	wg      sync.WaitGroup
}

// NewManager creates a manager over runners. Ids must be unique.
func NewManager(runners ...*Runner) (*Manager, error) {
	m := &Manager{runners: make(map[string]*Runner, len(runners))}
	for _, r := range runners {
		if _, dup := m.runners[r.ID()]; dup {
			return nil, fmt.Errorf("duplicate timer id %q", r.ID())
		}
		m.runners[r.ID()] = r
		m.order = append(m.order, r.ID())
	}
	return m, nil
}

// Start launches every runner in its own goroutine.
func (m *Manager) Start(ctx context.Context) {
	for _, id := range m.order {
		r := m.runners[id]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := r.Run(ctx); err != nil {
				log.Error().Err(err).Str("timer", id).Msg("Timer exited with error")
			}
		}()
	}
}

// Wait blocks until every runner has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// IDs returns the timer ids in configuration order.
func (m *Manager) IDs() []string {
	return slices.Clone(m.order)
}

// View returns one timer's snapshot.
func (m *Manager) View(id string) (View, error) {
	r, ok := m.runners[id]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownTimer, id)
	}
	return r.View(), nil
}

// Views returns every snapshot in configuration order.
func (m *Manager) Views() []View {
	views := make([]View, 0, len(m.order))
	for _, id := range m.order {
		views = append(views, m.runners[id].View())
	}
	return views
}

// Toggle flips one slot of a timer.
func (m *Manager) Toggle(ctx context.Context, id string, index int) (View, error) {
	return m.exec(ctx, id, func(ctx context.Context, r *Runner) (View, error) {
		return r.Toggle(ctx, index)
	})
}

// SetEntities replaces a timer's controlled entities.
func (m *Manager) SetEntities(ctx context.Context, id string, entities []string) (View, error) {
	return m.exec(ctx, id, func(ctx context.Context, r *Runner) (View, error) {
		return r.SetEntities(ctx, entities)
	})
}

// ReloadAll asks every timer to re-read storage.
func (m *Manager) ReloadAll() {
	for _, r := range m.runners {
		r.RequestReload()
	}
}

func (m *Manager) exec(ctx context.Context, id string, fn func(context.Context, *Runner) (View, error)) (View, error) {
	r, ok := m.runners[id]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownTimer, id)
	}
	var view View
	err := r.Exec(ctx, func(ctx context.Context) error {
		var err error
		view, err = fn(ctx, r)
		return err
	})
	if errors.Is(err, ErrStopped) {
		return r.View(), err
	}
	return view, err
}
