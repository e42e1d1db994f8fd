package control

import (
	"time"

	"github.com/dokzlo13/timer24d/internal/mask"
)

// SlotTracker detects when the wall clock moves into a new slot.
type SlotTracker struct {
	resolution int
	current    time.Time
	started    bool
}

// NewSlotTracker creates a tracker for the given resolution.
func NewSlotTracker(resolution int) *SlotTracker {
	return &SlotTracker{resolution: resolution}
}

// Crossed reports whether now lies in a different slot than the previous
// call. The first call always reports true.
func (t *SlotTracker) Crossed(now time.Time) bool {
	start := mask.SlotStart(now, t.resolution)
	if t.started && start.Equal(t.current) {
		return false
	}
	t.current = start
	t.started = true
	return true
}

// SetResolution changes the slot size and forces the next Crossed to fire.
func (t *SlotTracker) SetResolution(resolution int) {
	t.resolution = resolution
	t.started = false
}

// Current returns the start of the last observed slot.
func (t *SlotTracker) Current() time.Time {
	return t.current
}
