package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/config"
	"github.com/dokzlo13/timer24d/internal/eventbus"
	"github.com/dokzlo13/timer24d/internal/hass"
)

// HassService wraps the Home Assistant connection and the entity state cache.
type HassService struct {
	cfg *config.Config

	Conn   *hass.Conn
	States *hass.StateCache

	detach func()
}

// NewHassService creates the connection and cache. Nothing is dialed yet.
func NewHassService(cfg *config.Config, bus *eventbus.Bus) *HassService {
	hcfg := hass.Config{
		URL:            cfg.HomeAssistant.URL,
		Token:          cfg.HomeAssistant.Token,
		RequestTimeout: cfg.HomeAssistant.Timeout.Duration(),
		PingInterval:   cfg.HomeAssistant.PingInterval.Duration(),
		MinBackoff:     cfg.HomeAssistant.MinRetryBackoff.Duration(),
		MaxBackoff:     cfg.HomeAssistant.MaxRetryBackoff.Duration(),
		Multiplier:     cfg.HomeAssistant.RetryMultiplier,
		MaxReconnects:  cfg.HomeAssistant.MaxReconnects,
	}

	return &HassService{
		cfg:    cfg,
		Conn:   hass.New(hcfg),
		States: hass.NewStateCache(bus),
	}
}

// Ready reports whether entity states are known.
func (s *HassService) Ready() bool {
	return s.Conn.Connected() && s.States.Ready()
}

// Attach hooks the cache to the connection. Must be called before StartBackground.
func (s *HassService) Attach(ctx context.Context) error {
	detach, err := s.States.Attach(ctx, s.Conn)
	if err != nil {
		return err
	}
	s.detach = detach
	return nil
}

// StartBackground keeps the session alive. onFatalError is called when the
// connection gives up for good.
func (s *HassService) StartBackground(ctx context.Context, onFatalError func(error)) {
	go func() {
		err := s.Conn.Run(ctx)
		switch {
		case err == nil:
		case errors.Is(err, hass.ErrMaxReconnectsExceeded), errors.Is(err, hass.ErrAuthFailed):
			log.Error().Err(err).Msg("Home Assistant connection failed permanently, triggering shutdown")
			if onFatalError != nil {
				onFatalError(err)
			}
		default:
			log.Error().Err(err).Msg("Home Assistant connection error")
		}
	}()
}

// Close releases the state subscription.
func (s *HassService) Close() {
	if s.detach != nil {
		s.detach()
	}
}
