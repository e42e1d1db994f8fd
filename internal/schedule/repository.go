package schedule

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/state"
)

// StateKind is the resource_state kind schedules are stored under.
const StateKind = "timer_24h"

// Repository persists schedules as versioned JSON documents.
type Repository struct {
	docs *state.TypedStore[Schedule]
}

// NewRepository creates a repository over the shared state store.
func NewRepository(store *state.Store) *Repository {
	return &Repository{docs: state.NewTypedStore[Schedule](store, StateKind)}
}

// Get loads a schedule; found is false when none is stored.
func (r *Repository) Get(ctx context.Context, timerID string) (Schedule, bool, error) {
	return r.docs.Get(ctx, timerID)
}

// Put stores a schedule and returns the document version.
func (r *Repository) Put(ctx context.Context, timerID string, s Schedule) (int64, error) {
	return r.docs.Set(ctx, timerID, s)
}

// Delete removes a schedule and reports whether it existed.
func (r *Repository) Delete(ctx context.Context, timerID string) (bool, error) {
	return r.docs.Delete(ctx, timerID)
}

// All loads every stored schedule. Undecodable rows are logged and skipped.
func (r *Repository) All(ctx context.Context) (map[string]Schedule, error) {
	return r.docs.GetAll(ctx, func(id string, err error) {
		log.Warn().Err(err).Str("timer", id).Msg("Skipping undecodable schedule")
	})
}
