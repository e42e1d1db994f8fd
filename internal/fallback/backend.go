// Package fallback persists a timer's schedule across an ordered list of
// storage tiers: the schedule store first, then a local SQLite table, then
// process memory.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dokzlo13/timer24d/internal/mask"
)

var (
	// ErrStoreUnavailable is returned when no tier could serve the request.
	ErrStoreUnavailable = errors.New("schedule store unavailable")

	// ErrNotFound is returned by a tier holding nothing for the key.
	ErrNotFound = errors.New("no record")
)

// Record is what every tier stores. Local copies written by older versions
// carry a timeSlots array instead of a mask.
type Record struct {
	Mask       mask.Mask       `json:"mask,omitempty"`
	Resolution int             `json:"resolution_minutes,omitempty"`
	Entities   []string        `json:"entities,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	TimeSlots  []mask.TimeSlot `json:"timeSlots,omitempty"`
}

// UnmarshalJSON accepts the current object form, the legacy object form with
// a millisecond timestamp, and a bare legacy timeSlots array.
func (r *Record) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		*r = Record{}
		return json.Unmarshal(data, &r.TimeSlots)
	}

	type plain Record
	var aux struct {
		plain
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	r.Timestamp = time.Time{}

	ts := bytes.TrimSpace(aux.Timestamp)
	switch {
	case len(ts) == 0 || string(ts) == "null":
	case ts[0] == '"':
		if err := json.Unmarshal(ts, &r.Timestamp); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
	default:
		var ms int64
		if err := json.Unmarshal(ts, &ms); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		r.Timestamp = time.UnixMilli(ms).UTC()
	}
	return nil
}

// Normalize converts a legacy record to mask form and checks the
// mask/resolution invariant.
func (r Record) Normalize() (Record, error) {
	if r.Resolution == 0 {
		r.Resolution = mask.DefaultResolution
	}
	if r.Mask == "" && len(r.TimeSlots) > 0 {
		m, err := mask.FromSlots(r.TimeSlots, r.Resolution)
		if err != nil {
			return r, fmt.Errorf("legacy time slots: %w", err)
		}
		r.Mask = m
	}
	r.TimeSlots = nil
	if err := r.Mask.Check(r.Resolution); err != nil {
		return r, err
	}
	return r, nil
}

// Backend is one storage tier.
type Backend interface {
	Name() string
	// Load returns ErrNotFound when the tier has no record for timerID.
	Load(ctx context.Context, timerID string) (Record, error)
	Save(ctx context.Context, timerID string, r Record) error
}
