// Package api serves the timers over a small JSON HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/ledger"
	"github.com/dokzlo13/timer24d/internal/mask"
	"github.com/dokzlo13/timer24d/internal/schedule"
	"github.com/dokzlo13/timer24d/internal/timer"
)

const defaultCommandLimit = 50

// Timers is the timer registry the API exposes.
type Timers interface {
	Views() []timer.View
	View(id string) (timer.View, error)
	Toggle(ctx context.Context, id string, index int) (timer.View, error)
	SetEntities(ctx context.Context, id string, entities []string) (timer.View, error)
}

// CommandLog lists issued commands.
type CommandLog interface {
	ForTimer(timerID string, limit int) ([]*ledger.Entry, error)
}

// Server is the HTTP API server.
type Server struct {
	addr       string
	timers     Timers
	commands   CommandLog
	ready      func() bool
	httpServer *http.Server
}

// NewServer creates a server. commands and ready may be nil.
func NewServer(host string, port int, timers Timers, commands CommandLog, ready func() bool) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		addr:     fmt.Sprintf("%s:%d", host, port),
		timers:   timers,
		commands: commands,
		ready:    ready,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /timers", s.handleList)
	mux.HandleFunc("GET /timers/{id}", s.handleGet)
	mux.HandleFunc("POST /timers/{id}/slots/{index}/toggle", s.handleToggle)
	mux.HandleFunc("PUT /timers/{id}/entities", s.handleEntities)
	mux.HandleFunc("GET /timers/{id}/commands", s.handleCommands)
	return mux
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting HTTP API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"timers": s.timers.Views()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	v, err := s.timers.View(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "slot index must be an integer"})
		return
	}

	v, err := s.timers.Toggle(r.Context(), r.PathValue("id"), index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type entitiesRequest struct {
	Entities []string `json:"entities"`
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	var req entitiesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if req.Entities == nil {
		req.Entities = []string{}
	}

	v, err := s.timers.SetEntities(r.Context(), r.PathValue("id"), req.Entities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.timers.View(id); err != nil {
		writeError(w, err)
		return
	}
	if s.commands == nil {
		writeJSON(w, http.StatusOK, map[string]any{"commands": []*ledger.Entry{}})
		return
	}

	limit := defaultCommandLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := s.commands.ForTimer(id, limit)
	if err != nil {
		log.Error().Err(err).Str("timer", id).Msg("Failed to read command ledger")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to read command ledger"})
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": entries})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, timer.ErrUnknownTimer):
		status = http.StatusNotFound
	case errors.Is(err, mask.ErrIndexOutOfRange), errors.Is(err, schedule.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, timer.ErrStopped), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("API request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
