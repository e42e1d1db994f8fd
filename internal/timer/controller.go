// Package timer runs one 24h timer: it owns the schedule, the presence flag
// and the control memory, and drives the decision engine from clock ticks,
// state changes, edits and remote schedule notifications.
package timer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/control"
	"github.com/dokzlo13/timer24d/internal/fallback"
	"github.com/dokzlo13/timer24d/internal/mask"
	"github.com/dokzlo13/timer24d/internal/mqtt"
	"github.com/dokzlo13/timer24d/internal/presence"
	"github.com/dokzlo13/timer24d/internal/schedule"
)

// Config is one timer's static configuration.
type Config struct {
	ID          string
	Title       string
	Entities    []string
	HomeSensors []string
	Logic       presence.Logic
	SaveState   bool
	Resolution  int
	Location    *time.Location
}

// States resolves reported entity states. It serves both presence sensors
// and controlled entities.
type States interface {
	State(entityID string) (string, bool)
}

// readiness is implemented by state sources that know whether they have
// been populated yet.
type readiness interface {
	Ready() bool
}

// Deps are the collaborators a Controller works with.
type Deps struct {
	Store     *fallback.Chain
	States    States
	Commander control.Commander
	Recorder  control.Recorder  // optional
	Publisher mqtt.Publisher    // optional
	Presence  *presence.Evaluator
	Now       func() time.Time  // optional, defaults to time.Now
	Cooldown  time.Duration     // optional, defaults to control.DefaultCooldown
	RateLimit float64           // service calls per second, 0 disables pacing
}

// View is a snapshot of a timer for display.
type View struct {
	TimerID           string           `json:"timer_id"`
	Title             string           `json:"title"`
	ResolutionMinutes int              `json:"resolution_minutes"`
	Mask              mask.Mask        `json:"mask"`
	Ranges            []string         `json:"ranges"`
	ActiveSlots       int              `json:"active_slots"`
	Entities          []string         `json:"entities"`
	HomeSensors       []string         `json:"home_sensors"`
	Logic             presence.Logic   `json:"home_logic"`
	Present           bool             `json:"present"`
	Decision          control.Decision `json:"decision"`
	Source            string           `json:"source"`
	Persisted         bool             `json:"persisted"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Controller is a single timer. Its methods are not safe for concurrent use;
// Run serializes everything onto one goroutine and Exec lets other
// goroutines queue work there.
type Controller struct {
	cfg      Config
	store    *fallback.Chain
	states   States
	presence *presence.Evaluator
	pub      mqtt.Publisher
	now      func() time.Time

	memory  *control.Memory
	engine  *control.Engine
	tracker *control.SlotTracker

	mask       mask.Mask
	resolution int
	entities   []string
	source     string
	persisted  bool
	updatedAt  time.Time
	// storedAt is the primary tier's timestamp of the last write we know of.
	// Store notifications not newer than it are our own late echoes.
	storedAt time.Time

	present      bool
	presenceSeen bool
	decision     control.Decision

	lastPublished string
	snapshot      atomic.Pointer[View]

	requests chan request
	done     chan struct{}
}

// ErrStopped is returned by Exec once Run has returned.
var ErrStopped = errors.New("timer stopped")

// New creates a controller with an all-zero schedule. Call Load (or Run) to
// read the persisted one.
func New(cfg Config, deps Deps) (*Controller, error) {
	if err := mask.ValidateResolution(cfg.Resolution); err != nil {
		return nil, &schedule.ValidationError{Field: "resolution_minutes", Reason: err.Error(), Err: err}
	}
	if deps.States == nil || deps.Commander == nil {
		return nil, errors.New("timer: states and commander are required")
	}
	if cfg.ID == "" {
		cfg.ID = schedule.NormalizeTimerID(cfg.Title)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Presence == nil {
		deps.Presence = presence.NewEvaluator(nil)
	}

	memory := control.NewMemory(deps.Cooldown, deps.Now)
	opts := []control.EngineOption{control.WithRateLimit(deps.RateLimit)}
	if deps.Recorder != nil {
		opts = append(opts, control.WithRecorder(deps.Recorder))
	}

	m, _ := mask.New(cfg.Resolution)
	c := &Controller{
		cfg:        cfg,
		store:      deps.Store,
		states:     deps.States,
		presence:   deps.Presence,
		pub:        deps.Publisher,
		now:        deps.Now,
		memory:     memory,
		engine:     control.NewEngine(cfg.ID, memory, deps.Commander, opts...),
		tracker:    control.NewSlotTracker(cfg.Resolution),
		mask:       m,
		resolution: cfg.Resolution,
		entities:   slices.Clone(cfg.Entities),
		source:     "default",
		requests:   make(chan request),
		done:       make(chan struct{}),
	}
	c.refreshSnapshot()
	return c, nil
}

// ID returns the timer id.
func (c *Controller) ID() string {
	return c.cfg.ID
}

// Load reads the schedule from the storage chain. Missing or unusable data
// leaves a fresh all-zero schedule in place; it is never an error. A copy
// found below the primary tier is written back up when save_state is on.
func (c *Controller) Load(ctx context.Context) {
	defer c.refreshSnapshot()

	if c.store == nil {
		return
	}
	rec, tier, err := c.store.Load(ctx, c.cfg.ID, c.resolution)
	if err != nil {
		if !errors.Is(err, fallback.ErrNotFound) {
			log.Warn().Err(err).Str("timer", c.cfg.ID).Msg("No storage tier available, using empty schedule")
		}
		return
	}

	c.mask = rec.Mask
	c.source = tier
	c.persisted = true
	c.updatedAt = rec.Timestamp
	if len(c.cfg.Entities) == 0 && len(rec.Entities) > 0 {
		c.entities = slices.Clone(rec.Entities)
	}

	log.Info().
		Str("timer", c.cfg.ID).
		Str("tier", tier).
		Int("active_slots", c.mask.CountActive()).
		Msg("Schedule loaded")

	if tiers := c.store.Tiers(); tier == tiers[0] {
		c.storedAt = rec.Timestamp
	} else if c.cfg.SaveState {
		log.Info().Str("timer", c.cfg.ID).Str("tier", tier).Msg("Restoring schedule to higher tiers")
		c.save(ctx)
	}
}

// OnContextUpdated re-reads presence from the state source. Commands are
// issued only when the presence result changed, or when the state source has
// been seeded since a pass that found it not ready.
func (c *Controller) OnContextUpdated(ctx context.Context) (View, error) {
	present := c.presence.Evaluate(c.cfg.HomeSensors, c.cfg.Logic, c.states)
	changed := !c.presenceSeen || present != c.present
	c.present = present
	c.presenceSeen = true

	if !changed && !c.becameReady() {
		return c.View(), nil
	}

	log.Debug().Str("timer", c.cfg.ID).Bool("present", present).Bool("presence_changed", changed).Msg("Context updated")
	return c.evaluate(ctx, c.now())
}

// Tick evaluates when now has moved into a new slot since the last tick, or
// when the last pass was not ready and the state source now is. ran reports
// whether an evaluation happened.
func (c *Controller) Tick(ctx context.Context, now time.Time) (view View, ran bool, err error) {
	c.memory.Expire()
	if !c.tracker.Crossed(now.In(c.cfg.Location)) && !c.becameReady() {
		return c.View(), false, nil
	}
	view, err = c.evaluate(ctx, now)
	return view, true, err
}

// Toggle flips one slot, persists the schedule when save_state is on,
// forgets all pending command suppressions and evaluates immediately.
func (c *Controller) Toggle(ctx context.Context, index int) (View, error) {
	next, active, err := c.mask.Toggle(index)
	if err != nil {
		return c.View(), err
	}
	c.mask = next
	c.updatedAt = c.now()

	log.Info().Str("timer", c.cfg.ID).Int("slot", index).Bool("active", active).Msg("Slot toggled")
	c.edited(ctx)
	return c.evaluate(ctx, c.now())
}

// SetEntities replaces the controlled entities.
func (c *Controller) SetEntities(ctx context.Context, entities []string) (View, error) {
	for _, e := range entities {
		if !strings.Contains(e, ".") {
			return c.View(), &schedule.ValidationError{Field: "entities", Reason: fmt.Sprintf("%q is not an entity id", e)}
		}
	}
	c.entities = slices.Clone(entities)
	c.updatedAt = c.now()

	log.Info().Str("timer", c.cfg.ID).Strs("entities", entities).Msg("Entities updated")
	c.edited(ctx)
	return c.evaluate(ctx, c.now())
}

// ApplyRemote takes a schedule pushed by the store. Notifications not newer
// than the last write we know of, and echoes equal to the current schedule,
// change nothing.
func (c *Controller) ApplyRemote(ctx context.Context, s schedule.Schedule) (View, error) {
	if s.ResolutionMinutes != c.resolution {
		log.Warn().
			Err(schedule.ErrStaleData).
			Str("timer", c.cfg.ID).
			Int("remote_resolution", s.ResolutionMinutes).
			Msg("StaleDataIgnored: remote schedule uses another resolution")
		return c.View(), nil
	}

	entities := c.entities
	if len(c.cfg.Entities) == 0 {
		entities = s.Entities
	}
	if !c.storedAt.IsZero() && !s.UpdatedAt.After(c.storedAt) {
		log.Debug().
			Str("timer", c.cfg.ID).
			Time("updated_at", s.UpdatedAt).
			Time("stored_at", c.storedAt).
			Msg("Ignoring out-of-date schedule notification")
		return c.View(), nil
	}
	c.storedAt = s.UpdatedAt
	if s.Mask == c.mask && slices.Equal(entities, c.entities) {
		return c.View(), nil
	}

	c.mask = s.Mask
	c.entities = slices.Clone(entities)
	c.source = "remote"
	c.persisted = true
	c.updatedAt = s.UpdatedAt
	c.memory.Clear()

	log.Info().Str("timer", c.cfg.ID).Int("active_slots", c.mask.CountActive()).Msg("Schedule updated remotely")
	return c.evaluate(ctx, c.now())
}

// ResetRemote handles a remote delete: the schedule falls back to all-zero.
func (c *Controller) ResetRemote(ctx context.Context) (View, error) {
	c.mask, _ = mask.New(c.resolution)
	c.source = "default"
	c.persisted = false
	c.updatedAt = c.now()
	c.storedAt = time.Time{}
	c.memory.Clear()

	log.Info().Str("timer", c.cfg.ID).Msg("Schedule deleted remotely, reset to empty")
	return c.evaluate(ctx, c.now())
}

// Reload re-reads the storage chain and evaluates if the schedule changed or
// the state source has become ready.
func (c *Controller) Reload(ctx context.Context) (View, error) {
	before, entities := c.mask, slices.Clone(c.entities)
	c.Load(ctx)
	if c.mask == before && slices.Equal(entities, c.entities) {
		if c.becameReady() {
			return c.evaluate(ctx, c.now())
		}
		return c.View(), nil
	}
	c.memory.Clear()
	return c.evaluate(ctx, c.now())
}

// edited persists after a local edit and clears the control memory.
func (c *Controller) edited(ctx context.Context) {
	c.memory.Clear()
	if !c.cfg.SaveState || c.store == nil {
		c.persisted = false
		return
	}
	c.save(ctx)
}

func (c *Controller) save(ctx context.Context) {
	saved, err := c.store.Save(ctx, c.cfg.ID, fallback.Record{
		Mask:       c.mask,
		Resolution: c.resolution,
		Entities:   c.entities,
		Timestamp:  c.updatedAt,
	})
	if err != nil {
		c.persisted = false
		log.Error().Err(err).Str("timer", c.cfg.ID).Msg("Failed to persist schedule")
		return
	}
	c.persisted = true
	c.source = saved.Tiers[0]
	if !saved.Timestamp.IsZero() {
		c.storedAt = saved.Timestamp
	}
}

// becameReady reports that the last pass found the state source unpopulated
// and it has been seeded since.
func (c *Controller) becameReady() bool {
	return c.decision.Status == control.StatusNotReady && c.statesReady()
}

func (c *Controller) statesReady() bool {
	r, ok := c.states.(readiness)
	return !ok || r.Ready()
}

func (c *Controller) evaluate(ctx context.Context, now time.Time) (View, error) {
	if !c.presenceSeen {
		c.present = c.presence.Evaluate(c.cfg.HomeSensors, c.cfg.Logic, c.states)
		c.presenceSeen = true
	}

	now = now.In(c.cfg.Location)
	if !c.statesReady() {
		now = time.Time{}
	}

	d, err := c.engine.Evaluate(ctx, control.Input{
		Now:        now,
		Mask:       c.mask,
		Resolution: c.resolution,
		Present:    c.present,
		Entities:   c.entities,
		States:     c.states,
	})
	if err != nil {
		log.Error().Err(err).Str("timer", c.cfg.ID).Msg("Evaluation failed")
		c.refreshSnapshot()
		return c.View(), err
	}
	c.decision = d

	log.Debug().
		Str("timer", c.cfg.ID).
		Stringer("status", d.Status).
		Int("slot", d.Slot).
		Bool("desired", d.Desired).
		Int("commands", len(d.Commands)).
		Msg("Evaluated")

	c.refreshSnapshot()
	c.publish()
	return c.View(), nil
}

// View returns the current snapshot. Safe to call from any goroutine.
func (c *Controller) View() View {
	return *c.snapshot.Load()
}

func (c *Controller) refreshSnapshot() {
	ranges := c.mask.Ranges(c.resolution)
	rs := make([]string, len(ranges))
	for i, r := range ranges {
		rs[i] = r.String()
	}

	c.snapshot.Store(&View{
		TimerID:           c.cfg.ID,
		Title:             c.cfg.Title,
		ResolutionMinutes: c.resolution,
		Mask:              c.mask,
		Ranges:            rs,
		ActiveSlots:       c.mask.CountActive(),
		Entities:          slices.Clone(c.entities),
		HomeSensors:       slices.Clone(c.cfg.HomeSensors),
		Logic:             c.cfg.Logic,
		Present:           c.present,
		Decision:          c.decision,
		Source:            c.source,
		Persisted:         c.persisted,
		UpdatedAt:         c.updatedAt,
	})
}

// publish sends the status snapshot when anything visible changed.
func (c *Controller) publish() {
	if c.pub == nil {
		return
	}
	v := c.View()
	key := fmt.Sprintf("%s|%d|%t|%t|%s|%s", v.Decision.Status, v.Decision.Slot, v.Present, v.Decision.Desired, v.Mask, strings.Join(v.Entities, ","))
	if key == c.lastPublished {
		return
	}

	err := c.pub.PublishStatus(mqtt.Status{
		TimerID:     v.TimerID,
		Title:       v.Title,
		Timestamp:   c.now(),
		Status:      v.Decision.Status,
		Slot:        v.Decision.Slot,
		SlotActive:  v.Decision.SlotActive,
		Present:     v.Present,
		Desired:     v.Decision.Desired,
		ActiveSlots: v.ActiveSlots,
		TotalSlots:  v.Mask.Len(),
		Ranges:      v.Ranges,
		Entities:    v.Entities,
		Source:      v.Source,
	})
	if err != nil {
		log.Warn().Err(err).Str("timer", c.cfg.ID).Msg("Failed to publish status")
		return
	}
	c.lastPublished = key
}
