package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/config"
	"github.com/dokzlo13/timer24d/internal/control"
	"github.com/dokzlo13/timer24d/internal/eventbus"
	"github.com/dokzlo13/timer24d/internal/fallback"
	"github.com/dokzlo13/timer24d/internal/ledger"
	"github.com/dokzlo13/timer24d/internal/mqtt"
	"github.com/dokzlo13/timer24d/internal/presence"
	"github.com/dokzlo13/timer24d/internal/storeclient"
	"github.com/dokzlo13/timer24d/internal/timer"
)

// TimerService owns every configured timer and the ledger housekeeping.
type TimerService struct {
	cfg     *config.Config
	Manager *timer.Manager
	ledger  *ledger.Ledger
}

// TimerDeps are the shared collaborators every timer is built with.
type TimerDeps struct {
	Store     *fallback.Chain
	Remote    *storeclient.Client
	States    timer.States
	Commander control.Commander
	Ledger    *ledger.Ledger
	Publisher mqtt.Publisher
	Bus       *eventbus.Bus
	Now       func() time.Time
}

// NewTimerService builds one runner per configured timer.
func NewTimerService(cfg *config.Config, deps TimerDeps) (*TimerService, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone: %w", err)
	}
	evaluator := presence.NewEvaluator(presence.NewKindTable(cfg.Presence.InvertedSensors...))

	var recorder control.Recorder
	if deps.Ledger != nil {
		recorder = deps.Ledger
	}

	runners := make([]*timer.Runner, 0, len(cfg.Timers))
	for _, tc := range cfg.Timers {
		ctrl, err := timer.New(timer.Config{
			ID:          tc.ID(),
			Title:       tc.Title,
			Entities:    tc.Entities,
			HomeSensors: tc.HomeSensors,
			Logic:       tc.Logic(),
			SaveState:   tc.SavesState(),
			Resolution:  tc.ResolutionMinutes,
			Location:    loc,
		}, timer.Deps{
			Store:     deps.Store,
			States:    deps.States,
			Commander: deps.Commander,
			Recorder:  recorder,
			Publisher: deps.Publisher,
			Presence:  evaluator,
			Now:       deps.Now,
			Cooldown:  cfg.Control.Cooldown.Duration(),
			RateLimit: cfg.Control.RateLimitRPS,
		})
		if err != nil {
			return nil, fmt.Errorf("timer %q: %w", tc.Title, err)
		}

		runners = append(runners, timer.NewRunner(ctrl, timer.RunnerOptions{
			Bus:          deps.Bus,
			Remote:       deps.Remote,
			TickInterval: cfg.Control.TickInterval.Duration(),
		}))
		log.Debug().Str("timer", ctrl.ID()).Str("title", tc.Title).Msg("Timer configured")
	}

	manager, err := timer.NewManager(runners...)
	if err != nil {
		return nil, err
	}

	return &TimerService{
		cfg:     cfg,
		Manager: manager,
		ledger:  deps.Ledger,
	}, nil
}

// Start launches the timers and the ledger cleanup.
func (s *TimerService) Start(ctx context.Context) {
	s.Manager.Start(ctx)
	log.Info().Int("timers", len(s.Manager.IDs())).Msg("Timers started")

	if s.ledger != nil {
		go s.runLedgerCleanup(ctx)
	}
}

// Wait blocks until every timer has stopped.
func (s *TimerService) Wait() {
	s.Manager.Wait()
}

// runLedgerCleanup periodically removes old command ledger entries.
func (s *TimerService) runLedgerCleanup(ctx context.Context) {
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}
