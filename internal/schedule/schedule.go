// Package schedule holds the persisted 24h timer schedule and the store
// serving the timer_24h/* message protocol.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/dokzlo13/timer24d/internal/mask"
)

const (
	// Version is the schema tag written into every schedule.
	Version = 1

	// DefaultTimerID is used when a title normalizes to nothing.
	DefaultTimerID = "timer_24h"
)

// Schedule is the persisted unit for one timer.
type Schedule struct {
	Version           int       `json:"version"`
	TZ                string    `json:"tz"`
	ResolutionMinutes int       `json:"resolution_minutes"`
	Mask              mask.Mask `json:"mask"`
	Entities          []string  `json:"entities"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Default returns an empty schedule at the default resolution.
func Default(tz string, now time.Time) Schedule {
	return Empty(tz, mask.DefaultResolution, now)
}

// Empty returns an all-zero schedule at resolution, which must divide the day.
func Empty(tz string, resolution int, now time.Time) Schedule {
	m, _ := mask.New(resolution)
	return Schedule{
		Version:           Version,
		TZ:                tz,
		ResolutionMinutes: resolution,
		Mask:              m,
		Entities:          []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Validate checks the mask/resolution invariant.
func (s Schedule) Validate() error {
	if err := mask.ValidateResolution(s.ResolutionMinutes); err != nil {
		return &ValidationError{Field: "resolution_minutes", Reason: err.Error(), Err: err}
	}
	if err := s.Mask.Check(s.ResolutionMinutes); err != nil {
		return &ValidationError{Field: "mask", Reason: err.Error(), Err: err}
	}
	return nil
}

// Repair returns a structurally valid copy of s. A resolution that does not
// divide the day falls back to the default, and a mask that does not fit the
// resolution is replaced by an all-zero one. repaired reports whether
// anything was discarded.
func (s Schedule) Repair() (fixed Schedule, repaired bool) {
	fixed = s.clone()
	if mask.ValidateResolution(fixed.ResolutionMinutes) != nil {
		fixed.ResolutionMinutes = mask.DefaultResolution
		repaired = true
	}
	if fixed.Mask.Check(fixed.ResolutionMinutes) != nil {
		fixed.Mask, _ = mask.New(fixed.ResolutionMinutes)
		repaired = true
	}
	if fixed.Entities == nil {
		fixed.Entities = []string{}
	}
	if fixed.Version == 0 {
		fixed.Version = Version
	}
	return fixed, repaired
}

// Update is a partial modification. Nil fields keep their prior value.
type Update struct {
	Mask              *mask.Mask
	Entities          *[]string
	ResolutionMinutes *int
}

// Empty reports whether the update changes nothing but the timestamp.
func (u Update) Empty() bool {
	return u.Mask == nil && u.Entities == nil && u.ResolutionMinutes == nil
}

// Apply returns a copy of s with u applied and UpdatedAt set to now.
// The result must satisfy the mask/resolution invariant.
func (s Schedule) Apply(u Update, now time.Time) (Schedule, error) {
	next := s.clone()
	if u.Mask != nil {
		next.Mask = *u.Mask
	}
	if u.Entities != nil {
		next.Entities = append([]string{}, (*u.Entities)...)
	}
	if u.ResolutionMinutes != nil {
		next.ResolutionMinutes = *u.ResolutionMinutes
	}
	if err := next.Validate(); err != nil {
		return s, err
	}
	next.UpdatedAt = now
	return next, nil
}

func (s Schedule) clone() Schedule {
	c := s
	if s.Entities != nil {
		c.Entities = append([]string{}, s.Entities...)
	}
	return c
}

// Summary is the list form of a schedule without its mask.
type Summary struct {
	Exists            bool       `json:"exists"`
	TimerID           string     `json:"timer_id"`
	ActiveSlots       int        `json:"active_slots,omitempty"`
	TotalSlots        int        `json:"total_slots,omitempty"`
	EntitiesCount     int        `json:"entities_count,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
	ResolutionMinutes int        `json:"resolution_minutes,omitempty"`
}

// Summarize builds the summary of s stored under timerID.
func (s Schedule) Summarize(timerID string) Summary {
	updated := s.UpdatedAt
	return Summary{
		Exists:            true,
		TimerID:           timerID,
		ActiveSlots:       s.Mask.CountActive(),
		TotalSlots:        s.Mask.Len(),
		EntitiesCount:     len(s.Entities),
		UpdatedAt:         &updated,
		ResolutionMinutes: s.ResolutionMinutes,
	}
}

// NormalizeTimerID derives a storage key from a user title: lower-cased,
// every rune outside [a-z0-9] replaced by '_'. Distinct titles may collide
// ("Living Room" and "living-room" share a key).
func NormalizeTimerID(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return DefaultTimerID
	}
	return b.String()
}

func (s Schedule) String() string {
	return fmt.Sprintf("schedule(res=%d active=%d/%d entities=%d)",
		s.ResolutionMinutes, s.Mask.CountActive(), s.Mask.Len(), len(s.Entities))
}
