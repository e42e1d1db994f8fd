package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/api"
	"github.com/dokzlo13/timer24d/internal/config"
)

// APIService wraps the HTTP API server.
type APIService struct {
	cfg    *config.Config
	server *api.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, timers api.Timers, commands api.CommandLog, ready func() bool) *APIService {
	return &APIService{
		cfg:    cfg,
		server: api.NewServer(cfg.HTTP.Host, cfg.HTTP.Port, timers, commands, ready),
	}
}

// Start begins the API server if enabled.
func (s *APIService) Start(ctx context.Context) {
	if !s.cfg.HTTP.Enabled {
		log.Debug().Msg("HTTP API disabled")
		return
	}

	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("HTTP API server error")
		}
	}()
}
