package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/eventbus"
	"github.com/dokzlo13/timer24d/internal/mask"
)

// Service is the server side of the schedule store: get-or-create, partial
// update, delete and list, with change events on the bus.
type Service struct {
	repo *Repository
	bus  *eventbus.Bus
	tz   string
	now  func() time.Time

	// serializes read-modify-write cycles
	mu sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a schedule service. tz is written into every schedule.
func NewService(repo *Repository, bus *eventbus.Bus, tz string, opts ...ServiceOption) *Service {
	s := &Service{
		repo: repo,
		bus:  bus,
		tz:   tz,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the schedule for timerID, creating and storing a default one
// if none exists.
func (s *Service) Get(ctx context.Context, timerID string) (Schedule, error) {
	sched, _, err := s.GetOrCreate(ctx, timerID, 0)
	return sched, err
}

// GetOrCreate returns the schedule for timerID. A missing schedule is created
// empty at resolution (the default when 0) and created reports so.
func (s *Service) GetOrCreate(ctx context.Context, timerID string, resolution int) (sched Schedule, created bool, err error) {
	if timerID == "" {
		return Schedule{}, false, ErrInvalidTimerID
	}
	if resolution == 0 {
		resolution = mask.DefaultResolution
	}
	if err := mask.ValidateResolution(resolution); err != nil {
		return Schedule{}, false, &ValidationError{Field: "resolution_minutes", Reason: err.Error(), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sched, found, err := s.repo.Get(ctx, timerID)
	if err != nil {
		return Schedule{}, false, fmt.Errorf("failed to load schedule %s: %w", timerID, err)
	}
	if found {
		return sched, false, nil
	}

	sched = Empty(s.tz, resolution, s.now().UTC())
	if _, err := s.repo.Put(ctx, timerID, sched); err != nil {
		return Schedule{}, false, fmt.Errorf("failed to create schedule %s: %w", timerID, err)
	}
	log.Info().Str("timer", timerID).Int("resolution", resolution).Msg("Created default schedule")
	return sched, true, nil
}

// Set applies a partial update, creating the schedule first if needed.
// UpdatedAt and the timezone are refreshed on every call.
func (s *Service) Set(ctx context.Context, timerID string, u Update) (Schedule, error) {
	if timerID == "" {
		return Schedule{}, ErrInvalidTimerID
	}

	s.mu.Lock()
	now := s.now().UTC()
	current, found, err := s.repo.Get(ctx, timerID)
	if err != nil {
		s.mu.Unlock()
		return Schedule{}, fmt.Errorf("failed to load schedule %s: %w", timerID, err)
	}
	if !found {
		current = Default(s.tz, now)
	}

	next, err := current.Apply(u, now)
	if err != nil {
		s.mu.Unlock()
		return Schedule{}, err
	}
	next.TZ = s.tz

	version, err := s.repo.Put(ctx, timerID, next)
	s.mu.Unlock()
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to store schedule %s: %w", timerID, err)
	}

	log.Debug().
		Str("timer", timerID).
		Int64("version", version).
		Int("active_slots", next.Mask.CountActive()).
		Msg("Updated schedule")

	s.publish(eventbus.EventTypeScheduleUpdated, map[string]any{
		"timer_id": timerID,
		"schedule": next,
	})
	return next, nil
}

// Delete removes a schedule. Deleting an unknown id returns false, nil.
func (s *Service) Delete(ctx context.Context, timerID string) (bool, error) {
	if timerID == "" {
		return false, ErrInvalidTimerID
	}

	s.mu.Lock()
	deleted, err := s.repo.Delete(ctx, timerID)
	s.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("failed to delete schedule %s: %w", timerID, err)
	}

	log.Debug().Str("timer", timerID).Bool("deleted", deleted).Msg("Delete requested")
	if deleted {
		s.publish(eventbus.EventTypeScheduleDeleted, map[string]any{"timer_id": timerID})
	}
	return deleted, nil
}

// List returns every stored schedule.
func (s *Service) List(ctx context.Context) (map[string]Schedule, error) {
	all, err := s.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return all, nil
}

// Summaries returns the summary form of every stored schedule.
func (s *Service) Summaries(ctx context.Context) (map[string]Summary, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Summary, len(all))
	for id, sched := range all {
		out[id] = sched.Summarize(id)
	}
	return out, nil
}

func (s *Service) publish(t eventbus.EventType, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: t, Data: data})
}
