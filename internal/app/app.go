package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/config"
)

// App owns the service graph of one timer24d process.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds every service without starting any of them.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// Start connects to Home Assistant and launches the timers and the API.
// Cancelling ctx, or a fatal connection error, ends the run.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Home Assistant connection lost for good, stopping timers")
		a.cancel()
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		return err
	}

	log.Info().
		Str("store", a.cfg.Store.Mode).
		Int("timers", len(a.cfg.Timers)).
		Msg("timer24d started")
	return nil
}

// Stop cancels the run, waits for every timer loop and releases resources.
func (a *App) Stop() error {
	log.Info().Msg("Stopping timer24d")

	if a.cancel != nil {
		a.cancel()
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait blocks until the run ends.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// ClearLocalSchedules removes schedules kept in the local database.
// Used by the --reset-state flag.
func (a *App) ClearLocalSchedules(ctx context.Context) error {
	if a.services != nil {
		return a.services.ClearState(ctx)
	}
	return nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
