package timer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/timer24d/internal/control"
	"github.com/dokzlo13/timer24d/internal/db"
	"github.com/dokzlo13/timer24d/internal/eventbus"
	"github.com/dokzlo13/timer24d/internal/fallback"
	"github.com/dokzlo13/timer24d/internal/mqtt"
	"github.com/dokzlo13/timer24d/internal/presence"
	"github.com/dokzlo13/timer24d/internal/schedule"
	"github.com/dokzlo13/timer24d/internal/state"
	"github.com/dokzlo13/timer24d/internal/storeclient"
)

type stack struct {
	bus    *eventbus.Bus
	svc    *schedule.Service
	client *storeclient.Client
	states *fakeStates
	cmd    *fakeCommander
	clock  *clock
}

func newStack(t *testing.T, states *fakeStates) *stack {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "timer.sqlite"))
	require.NoError(t, err)
	bus := eventbus.New()
	t.Cleanup(func() {
		bus.Close(context.Background())
		database.Close()
	})

	s := &stack{bus: bus, states: states, cmd: &fakeCommander{}, clock: newClock(8, 45)}
	repo := schedule.NewRepository(state.NewStore(database.DB))
	s.svc = schedule.NewService(repo, bus, "UTC", schedule.WithClock(s.clock.Now))
	s.client = storeclient.New(schedule.NewLocalTransport(s.svc, bus))
	t.Cleanup(s.client.Destroy)
	return s
}

func (s *stack) runner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	if cfg.Resolution == 0 {
		cfg.Resolution = 30
	}
	cfg.Location = time.UTC
	ctrl, err := New(cfg, Deps{
		Store:     fallback.NewChain(fallback.NewRemoteBackend(s.client), fallback.NewMemoryBackend()),
		States:    s.states,
		Commander: s.cmd,
		Publisher: mqtt.NewFakePublisher(),
		Presence:  presence.NewEvaluator(nil),
		Now:       s.clock.Now,
	})
	require.NoError(t, err)
	return NewRunner(ctrl, RunnerOptions{Bus: s.bus, Remote: s.client, TickInterval: time.Hour})
}

func startManager(t *testing.T, runners ...*Runner) *Manager {
	t.Helper()
	m, err := NewManager(runners...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	return m
}

func TestManager_DuplicateIDs(t *testing.T) {
	s := newStack(t, newStates())
	_, err := NewManager(s.runner(t, Config{ID: "a"}), s.runner(t, Config{ID: "a"}))
	assert.Error(t, err)
}

func TestManager_UnknownTimer(t *testing.T) {
	s := newStack(t, newStates())
	m := startManager(t, s.runner(t, Config{ID: "a"}))

	_, err := m.View("missing")
	assert.ErrorIs(t, err, ErrUnknownTimer)
	_, err = m.Toggle(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, ErrUnknownTimer)
}

func TestRunner_ToggleThroughStore(t *testing.T) {
	s := newStack(t, newStates("light.porch", "off"))
	m := startManager(t, s.runner(t, Config{ID: "porch", Title: "Porch", Entities: []string{"light.porch"}, SaveState: true}))
	ctx := context.Background()

	v, err := m.Toggle(ctx, "porch", 17)
	require.NoError(t, err)
	assert.Equal(t, "remote", v.Source)
	assert.Equal(t, control.StatusWillActivate, v.Decision.Status)

	stored, err := s.svc.Get(ctx, "porch")
	require.NoError(t, err)
	assert.Equal(t, v.Mask, stored.Mask)
	assert.Equal(t, []string{"light.porch"}, stored.Entities)

	// The store echoes the write back; that must not trigger anything new.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.cmd.Calls(), 1)
}

func TestRunner_FollowsRemoteUpdates(t *testing.T) {
	s := newStack(t, newStates("light.porch", "off"))
	m := startManager(t, s.runner(t, Config{ID: "porch", Entities: []string{"light.porch"}}))
	ctx := context.Background()

	require.Eventually(t, func() bool { return s.client.Subscriptions() == 2 }, 2*time.Second, 10*time.Millisecond)

	next := maskWith(t, 30, 17)
	_, err := s.svc.Set(ctx, "porch", schedule.Update{Mask: &next})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, _ := m.View("porch")
		return v.ActiveSlots == 1 && v.Source == "remote"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []sent{{Service: control.ServiceTurnOn, EntityID: "light.porch"}}, s.cmd.Calls())

	_, err = s.svc.Delete(ctx, "porch")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := m.View("porch")
		return v.ActiveSlots == 0 && v.Source == "default"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_ReactsToSensorChanges(t *testing.T) {
	states := newStates("light.porch", "off", "person.alice", "not_home")
	s := newStack(t, states)
	next := maskWith(t, 30, 17)
	_, err := s.svc.Set(context.Background(), "porch", schedule.Update{Mask: &next})
	require.NoError(t, err)

	m := startManager(t, s.runner(t, Config{ID: "porch", Entities: []string{"light.porch"}, HomeSensors: []string{"person.alice"}}))
	require.Eventually(t, func() bool {
		v, _ := m.View("porch")
		return v.Decision.Status == control.StatusSensorsBlock
	}, 2*time.Second, 10*time.Millisecond)

	states.Set("person.alice", "home")
	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeStateChanged,
		Data: map[string]any{"entity_id": "person.alice", "old_state": "not_home", "state": "home"},
	})

	require.Eventually(t, func() bool { return len(s.cmd.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	v, err := m.View("porch")
	require.NoError(t, err)
	assert.True(t, v.Present)
}

func TestRunner_ExecAfterStop(t *testing.T) {
	s := newStack(t, newStates())
	r := s.runner(t, Config{ID: "porch"})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	require.NoError(t, r.Exec(context.Background(), func(context.Context) error { return nil }))
	cancel()
	require.NoError(t, <-errc)

	err := r.Exec(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunner_RecoversPanickingRequest(t *testing.T) {
	s := newStack(t, newStates())
	r := s.runner(t, Config{ID: "porch"})
	startManager(t, r)

	err := r.Exec(context.Background(), func(context.Context) error { panic("boom") })
	assert.Error(t, err)
	assert.NoError(t, r.Exec(context.Background(), func(context.Context) error { return nil }))
}

func TestRunner_StoreDefaultUsesTimerResolution(t *testing.T) {
	s := newStack(t, newStates("light.porch", "off"))
	startManager(t, s.runner(t, Config{ID: "porch", Entities: []string{"light.porch"}, Resolution: 15}))
	ctx := context.Background()

	require.Eventually(t, func() bool {
		all, err := s.svc.List(ctx)
		return err == nil && len(all) == 1
	}, 2*time.Second, 10*time.Millisecond)

	all, err := s.svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15, all["porch"].ResolutionMinutes)
	assert.Equal(t, 96, all["porch"].Mask.Len())
}
