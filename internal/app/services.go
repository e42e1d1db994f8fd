package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/config"
	"github.com/dokzlo13/timer24d/internal/db"
	"github.com/dokzlo13/timer24d/internal/eventbus"
	"github.com/dokzlo13/timer24d/internal/fallback"
	"github.com/dokzlo13/timer24d/internal/ledger"
	"github.com/dokzlo13/timer24d/internal/mqtt"
	"github.com/dokzlo13/timer24d/internal/schedule"
	"github.com/dokzlo13/timer24d/internal/state"
	"github.com/dokzlo13/timer24d/internal/storeclient"
)

// Services is the wired dependency graph: storage, the Home Assistant link,
// the schedule store and its fallback chain, and the timers on top.
type Services struct {
	cfg *config.Config

	// Storage and event plumbing
	DB     *db.DB
	Ledger *ledger.Ledger
	Store  *state.Store
	Bus    *eventbus.Bus

	// Home Assistant connection and entity states
	Hass *HassService

	// Schedule storage: local service (local mode only), client and fallback chain
	Schedules   *schedule.Service
	StoreClient *storeclient.Client
	LocalCopies *fallback.SQLiteBackend
	Chain       *fallback.Chain

	Publisher mqtt.Publisher

	// Timers and their HTTP surface
	Timers *TimerService
	API    *APIService
}

// NewServices opens the database and builds every service from cfg.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Store = state.NewStore(database.DB)
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.Hass = NewHassService(cfg, s.Bus)

	// The store transport is either Home Assistant itself or the local database.
	var transport storeclient.Transport = s.Hass.Conn
	if cfg.Store.Mode == config.StoreModeLocal {
		s.Schedules = schedule.NewService(schedule.NewRepository(s.Store), s.Bus, cfg.Timezone)
		transport = schedule.NewLocalTransport(s.Schedules, s.Bus)
	}
	s.StoreClient = storeclient.New(transport)

	s.LocalCopies = fallback.NewSQLiteBackend(database.DB)
	s.Chain = fallback.NewChain(
		fallback.NewRemoteBackend(s.StoreClient),
		s.LocalCopies,
		fallback.NewMemoryBackend(),
	)
	log.Debug().Strs("tiers", s.Chain.Tiers()).Str("mode", cfg.Store.Mode).Msg("Schedule storage configured")

	if cfg.MQTT.Enabled() {
		pub, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		})
		if err != nil {
			log.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT unavailable, status publishing disabled")
		} else {
			s.Publisher = pub
		}
	}

	s.Timers, err = NewTimerService(cfg, TimerDeps{
		Store:     s.Chain,
		Remote:    s.StoreClient,
		States:    s.Hass.States,
		Commander: s.Hass.Conn,
		Ledger:    s.Ledger,
		Publisher: s.Publisher,
		Bus:       s.Bus,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.API = NewAPIService(cfg, s.Timers.Manager, s.Ledger, s.Hass.Ready)

	return s, nil
}

// Start attaches the state cache before the connection runs so the first
// connect seeds it, then starts timers and the API. onFatalError fires when
// the connection gives up.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if err := s.Hass.Attach(ctx); err != nil {
		return err
	}

	// Every (re)connect may bring schedules edited while we were away.
	s.Hass.Conn.OnConnect(func(context.Context) {
		s.Timers.Manager.ReloadAll()
	})

	s.Hass.StartBackground(ctx, onFatalError)
	s.Timers.Start(ctx)
	s.API.Start(ctx)

	return nil
}

// ClearState removes locally stored schedules.
func (s *Services) ClearState(ctx context.Context) error {
	return errors.Join(
		s.Store.Clear(ctx, schedule.StateKind),
		s.LocalCopies.Clear(ctx),
	)
}

// Stop waits for the timer loops to exit, then closes everything.
func (s *Services) Stop() error {
	if s.Timers != nil {
		s.Timers.Wait()
	}
	s.Close()
	return nil
}

// Close releases connections, the bus and the database. Safe on a partly built graph.
func (s *Services) Close() {
	if s.StoreClient != nil {
		s.StoreClient.Destroy()
	}
	if s.Hass != nil {
		s.Hass.Close()
	}
	if s.Publisher != nil {
		if err := s.Publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close MQTT publisher")
		}
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
