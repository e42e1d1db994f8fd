package timer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/eventbus"
	"github.com/dokzlo13/timer24d/internal/schedule"
	"github.com/dokzlo13/timer24d/internal/storeclient"
)

// DefaultTickInterval is how often the slot tracker is polled.
const DefaultTickInterval = 2 * time.Minute

type request struct {
	fn   func(ctx context.Context) error
	done chan error
}

// remoteUpdate is the newest unapplied store notification. Only the last
// one matters since each carries the complete schedule.
type remoteUpdate struct {
	schedule schedule.Schedule
	deleted  bool
}

type mailbox struct {
	mu      sync.Mutex
	pending *remoteUpdate
	signal  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// put never blocks; it may be called from a transport read loop.
func (m *mailbox) put(u remoteUpdate) {
	m.mu.Lock()
	m.pending = &u
	m.mu.Unlock()
	notify(m.signal)
}

func (m *mailbox) take() (remoteUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return remoteUpdate{}, false
	}
	u := *m.pending
	m.pending = nil
	return u, true
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Runner adds the event loop to a Controller.
type Runner struct {
	*Controller

	bus          *eventbus.Bus
	remote       *storeclient.Client
	tickInterval time.Duration

	contextChanged chan struct{}
	reload         chan struct{}
	inbox          *mailbox
}

// RunnerOptions are the event sources a Runner listens to.
type RunnerOptions struct {
	Bus          *eventbus.Bus       // entity state changes, optional
	Remote       *storeclient.Client // store notifications, optional
	TickInterval time.Duration
}

// NewRunner wraps c with its event loop.
func NewRunner(c *Controller, opts RunnerOptions) *Runner {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	return &Runner{
		Controller:     c,
		bus:            opts.Bus,
		remote:         opts.Remote,
		tickInterval:   opts.TickInterval,
		contextChanged: make(chan struct{}, 1),
		reload:         make(chan struct{}, 1),
		inbox:          newMailbox(),
	}
}

// Exec runs fn on the Run goroutine and waits for its result.
func (r *Runner) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{fn: fn, done: make(chan error, 1)}

	select {
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case r.requests <- req:
	}

	select {
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

// RequestReload asks the loop to re-read storage. Never blocks.
func (r *Runner) RequestReload() {
	notify(r.reload)
}

// Run loads the schedule, evaluates once and then serves ticks, state
// changes, store notifications and queued requests until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)

	cleanup, err := r.subscribe(ctx)
	defer cleanup()
	if err != nil {
		return err
	}

	r.Load(ctx)
	if _, err := r.OnContextUpdated(ctx); err != nil {
		log.Warn().Err(err).Str("timer", r.ID()).Msg("Initial evaluation failed")
	}
	r.tick(ctx)

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	log.Info().Str("timer", r.ID()).Dur("tick", r.tickInterval).Msg("Timer started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("timer", r.ID()).Msg("Timer stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		case <-r.contextChanged:
			if _, err := r.OnContextUpdated(ctx); err != nil {
				log.Warn().Err(err).Str("timer", r.ID()).Msg("Evaluation after state change failed")
			}
		case <-r.inbox.signal:
			r.applyRemote(ctx)
		case <-r.reload:
			if _, err := r.Reload(ctx); err != nil {
				log.Warn().Err(err).Str("timer", r.ID()).Msg("Evaluation after reload failed")
			}
		case req := <-r.requests:
			req.done <- r.execute(ctx, req.fn)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if _, _, err := r.Tick(ctx, r.now()); err != nil {
		log.Warn().Err(err).Str("timer", r.ID()).Msg("Tick evaluation failed")
	}
}

func (r *Runner) applyRemote(ctx context.Context) {
	u, ok := r.inbox.take()
	if !ok {
		return
	}
	var err error
	if u.deleted {
		_, err = r.ResetRemote(ctx)
	} else {
		_, err = r.ApplyRemote(ctx, u.schedule)
	}
	if err != nil {
		log.Warn().Err(err).Str("timer", r.ID()).Msg("Evaluation after remote update failed")
	}
}

func (r *Runner) execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("timer", r.ID()).Msg("Timer request panicked")
			err = fmt.Errorf("timer %s: request panicked: %v", r.ID(), rec)
		}
	}()
	return fn(ctx)
}

// subscribe registers every event source. The returned cleanup releases
// whatever was registered, even on error.
func (r *Runner) subscribe(ctx context.Context) (func(), error) {
	var unsubs []func()
	cleanup := func() {
		for _, u := range slices.Backward(unsubs) {
			u()
		}
	}

	if r.bus != nil {
		watched := make(map[string]bool, len(r.cfg.HomeSensors))
		for _, id := range r.cfg.HomeSensors {
			watched[id] = true
		}
		unsubs = append(unsubs, r.bus.Subscribe(eventbus.EventTypeStateChanged, func(e eventbus.Event) {
			id, _ := e.Data["entity_id"].(string)
			if watched[id] {
				notify(r.contextChanged)
			}
		}))
	}

	if r.remote != nil {
		unsub, err := r.remote.OnScheduleUpdated(ctx, func(timerID string, s schedule.Schedule) {
			if timerID == r.ID() {
				r.inbox.put(remoteUpdate{schedule: s})
			}
		})
		if err != nil {
			return cleanup, fmt.Errorf("subscribe to schedule updates: %w", err)
		}
		unsubs = append(unsubs, unsub)

		unsub, err = r.remote.OnScheduleDeleted(ctx, func(timerID string) {
			if timerID == r.ID() {
				r.inbox.put(remoteUpdate{deleted: true})
			}
		})
		if err != nil {
			return cleanup, fmt.Errorf("subscribe to schedule deletions: %w", err)
		}
		unsubs = append(unsubs, unsub)
	}

	return cleanup, nil
}
