// Package mask implements the day-partition model behind a 24h timer:
// a day split into fixed-size slots and a bit mask marking active slots.
package mask

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinutesPerDay is the length of the partitioned day.
const MinutesPerDay = 24 * 60

// DefaultResolution is the slot size used when none is configured.
const DefaultResolution = 30

var (
	// ErrInvalidResolution is returned when a resolution does not divide a day evenly.
	ErrInvalidResolution = errors.New("invalid resolution")

	// ErrIndexOutOfRange is returned when a slot index falls outside the mask.
	ErrIndexOutOfRange = errors.New("slot index out of range")

	// ErrInvalidTime is returned for an hour or minute outside the clock domain.
	ErrInvalidTime = errors.New("invalid time of day")

	// ErrMalformed is returned when a mask string contains anything but '0' and '1'.
	ErrMalformed = errors.New("malformed mask")

	// ErrLengthMismatch is returned when a mask length does not match its resolution.
	ErrLengthMismatch = errors.New("mask length does not match resolution")
)

// Mask is a bit vector with one '0'/'1' character per slot.
// It is a string value, so every mutation returns a new Mask.
type Mask string

// SlotsPerDay returns the number of slots for a resolution.
func SlotsPerDay(resolution int) (int, error) {
	if err := ValidateResolution(resolution); err != nil {
		return 0, err
	}
	return MinutesPerDay / resolution, nil
}

// ValidateResolution checks that resolution is positive and divides a day.
func ValidateResolution(resolution int) error {
	if resolution <= 0 || MinutesPerDay%resolution != 0 {
		return fmt.Errorf("%w: %d minutes does not divide %d", ErrInvalidResolution, resolution, MinutesPerDay)
	}
	return nil
}

// New returns an all-zero mask for the resolution.
func New(resolution int) (Mask, error) {
	n, err := SlotsPerDay(resolution)
	if err != nil {
		return "", err
	}
	return Mask(strings.Repeat("0", n)), nil
}

// Parse validates s as a mask for the resolution.
func Parse(s string, resolution int) (Mask, error) {
	n, err := SlotsPerDay(resolution)
	if err != nil {
		return "", err
	}
	m := Mask(s)
	if err := m.CheckChars(); err != nil {
		return "", err
	}
	if len(s) != n {
		return "", fmt.Errorf("%w: got %d slots, want %d", ErrLengthMismatch, len(s), n)
	}
	return m, nil
}

// Check reports whether m is a well-formed mask for the resolution.
func (m Mask) Check(resolution int) error {
	_, err := Parse(string(m), resolution)
	return err
}

// CheckChars reports whether m contains only '0' and '1', whatever its length.
func (m Mask) CheckChars() error {
	for i := 0; i < len(m); i++ {
		if m[i] != '0' && m[i] != '1' {
			return fmt.Errorf("%w: unexpected %q at %d", ErrMalformed, m[i], i)
		}
	}
	return nil
}

// Len returns the number of slots.
func (m Mask) Len() int {
	return len(m)
}

// String returns the canonical wire form.
func (m Mask) String() string {
	return string(m)
}

// Get returns whether slot i is active.
func (m Mask) Get(i int) (bool, error) {
	if i < 0 || i >= len(m) {
		return false, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, len(m))
	}
	return m[i] == '1', nil
}

// Set returns a copy of m with slot i set to active.
func (m Mask) Set(i int, active bool) (Mask, error) {
	if i < 0 || i >= len(m) {
		return m, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, len(m))
	}
	b := []byte(m)
	if active {
		b[i] = '1'
	} else {
		b[i] = '0'
	}
	return Mask(b), nil
}

// Toggle returns a copy of m with slot i flipped, plus the new slot value.
func (m Mask) Toggle(i int) (Mask, bool, error) {
	cur, err := m.Get(i)
	if err != nil {
		return m, false, err
	}
	next, err := m.Set(i, !cur)
	return next, !cur, err
}

// CountActive returns the number of active slots.
func (m Mask) CountActive() int {
	return strings.Count(string(m), "1")
}

// ClockTime is an hour/minute pair. Hour 24 only appears as a range end.
type ClockTime struct {
	Hour   int `json:"hours"`
	Minute int `json:"minutes"`
}

// EndOfDay closes a range that runs to the end of the mask.
var EndOfDay = ClockTime{Hour: 24, Minute: 0}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// TimeToSlot converts a time of day to the slot containing it.
func TimeToSlot(hour, minute, resolution int) (int, error) {
	if err := ValidateResolution(resolution); err != nil {
		return 0, err
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: %02d:%02d", ErrInvalidTime, hour, minute)
	}
	return (hour*60 + minute) / resolution, nil
}

// SlotToTime returns the start time of slot index.
func SlotToTime(index, resolution int) (ClockTime, error) {
	n, err := SlotsPerDay(resolution)
	if err != nil {
		return ClockTime{}, err
	}
	if index < 0 || index >= n {
		return ClockTime{}, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, n)
	}
	total := index * resolution
	return ClockTime{Hour: (total / 60) % 24, Minute: total % 60}, nil
}

// SlotAt returns the slot index that t falls into, using t's location.
func SlotAt(t time.Time, resolution int) (int, error) {
	return TimeToSlot(t.Hour(), t.Minute(), resolution)
}

// SlotStart truncates t to the beginning of its slot in t's location.
func SlotStart(t time.Time, resolution int) time.Time {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	minutes := t.Hour()*60 + t.Minute()
	minutes -= minutes % resolution
	return time.Date(t.Year(), t.Month(), t.Day(), minutes/60, minutes%60, 0, 0, t.Location())
}
