package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/schedule"
)

// Chain tries its tiers in order.
type Chain struct {
	tiers []Backend
}

// NewChain creates a chain over tiers, highest priority first.
func NewChain(tiers ...Backend) *Chain {
	return &Chain{tiers: tiers}
}

// Tiers returns the tier names in order.
func (c *Chain) Tiers() []string {
	names := make([]string, len(c.tiers))
	for i, t := range c.tiers {
		names[i] = t.Name()
	}
	return names
}

// Saved reports where a record landed. Timestamp is the time the primary
// tier stored, zero when the primary tier failed.
type Saved struct {
	Tiers     []string
	Timestamp time.Time
}

// creator is implemented by tiers that create a missing record on read and
// can do so at the caller's resolution.
type creator interface {
	loadOrCreate(ctx context.Context, timerID string, resolution int) (Record, error)
}

// stamper is implemented by tiers that assign their own timestamp on save.
type stamper interface {
	saveStamped(ctx context.Context, timerID string, r Record) (time.Time, error)
}

// Load returns the first valid record at resolution and the name of the tier
// that served it. Records whose mask does not fit their resolution, or whose
// resolution differs from the requested one, are skipped; resolution 0
// accepts any. When every tier is empty the error is ErrNotFound; when any
// tier failed it is ErrStoreUnavailable.
func (c *Chain) Load(ctx context.Context, timerID string, resolution int) (Record, string, error) {
	var errs []error
	for _, tier := range c.tiers {
		var r Record
		var err error
		if cr, ok := tier.(creator); ok && resolution != 0 {
			r, err = cr.loadOrCreate(ctx, timerID, resolution)
		} else {
			r, err = tier.Load(ctx, timerID)
		}
		if errors.Is(err, ErrNotFound) {
			log.Debug().Str("tier", tier.Name()).Str("timer", timerID).Msg("No record in tier")
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("tier", tier.Name()).Str("timer", timerID).Msg("Failed to load schedule from tier")
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
			continue
		}

		normalized, err := r.Normalize()
		if err != nil {
			log.Warn().
				Err(errors.Join(schedule.ErrStaleData, err)).
				Str("tier", tier.Name()).
				Str("timer", timerID).
				Msg("StaleDataIgnored: skipping record")
			continue
		}
		if resolution != 0 && normalized.Resolution != resolution {
			log.Warn().
				Err(schedule.ErrStaleData).
				Str("tier", tier.Name()).
				Str("timer", timerID).
				Int("stored_resolution", normalized.Resolution).
				Int("resolution", resolution).
				Msg("StaleDataIgnored: record uses another resolution")
			continue
		}

		log.Debug().Str("tier", tier.Name()).Str("timer", timerID).Msg("Loaded schedule")
		return normalized, tier.Name(), nil
	}

	if len(errs) > 0 {
		return Record{}, "", fmt.Errorf("%w: %w", ErrStoreUnavailable, errors.Join(errs...))
	}
	return Record{}, "", ErrNotFound
}

// Save writes r to every tier. It fails only when no tier stored it.
func (c *Chain) Save(ctx context.Context, timerID string, r Record) (Saved, error) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	var saved Saved
	var errs []error
	for i, tier := range c.tiers {
		stamp := r.Timestamp
		var err error
		if st, ok := tier.(stamper); ok {
			stamp, err = st.saveStamped(ctx, timerID, r)
		} else {
			err = tier.Save(ctx, timerID, r)
		}
		if err != nil {
			log.Warn().Err(err).Str("tier", tier.Name()).Str("timer", timerID).Msg("Failed to save schedule to tier")
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
			continue
		}
		if i == 0 {
			saved.Timestamp = stamp
		}
		saved.Tiers = append(saved.Tiers, tier.Name())
	}

	if len(saved.Tiers) == 0 {
		return Saved{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, errors.Join(errs...))
	}
	if len(errs) > 0 {
		log.Info().Strs("tiers", saved.Tiers).Str("timer", timerID).Msg("Schedule saved to some tiers only")
	}
	return saved, nil
}
