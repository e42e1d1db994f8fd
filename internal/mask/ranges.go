package mask

import "fmt"

// Range is a contiguous run of active slots. End is exclusive.
type Range struct {
	Start     ClockTime `json:"start"`
	End       ClockTime `json:"end"`
	StartSlot int       `json:"start_slot"`
	EndSlot   int       `json:"end_slot"`
}

func (r Range) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// Ranges scans m once and returns its active runs in order.
// A run still open at the last slot ends at 24:00; runs touching midnight on
// both ends are reported separately, never merged across the day boundary.
func (m Mask) Ranges(resolution int) []Range {
	var ranges []Range
	start := -1

	for i := 0; i < len(m); i++ {
		switch {
		case m[i] == '1' && start < 0:
			start = i
		case m[i] != '1' && start >= 0:
			ranges = append(ranges, m.rangeOf(start, i, resolution))
			start = -1
		}
	}
	if start >= 0 {
		ranges = append(ranges, m.rangeOf(start, len(m), resolution))
	}

	return ranges
}

func (m Mask) rangeOf(start, end, resolution int) Range {
	return Range{
		Start:     clockAt(start, len(m), resolution),
		End:       clockAt(end, len(m), resolution),
		StartSlot: start,
		EndSlot:   end,
	}
}

func clockAt(index, n, resolution int) ClockTime {
	if index >= n {
		return EndOfDay
	}
	total := index * resolution
	return ClockTime{Hour: (total / 60) % 24, Minute: total % 60}
}

// TimeSlot is the array-of-slots representation used by older saved states.
type TimeSlot struct {
	Hour     int  `json:"hour"`
	Minute   int  `json:"minute"`
	IsActive bool `json:"isActive"`
}

// Slots expands m into one TimeSlot per slot.
func (m Mask) Slots(resolution int) []TimeSlot {
	slots := make([]TimeSlot, len(m))
	for i := range slots {
		c := clockAt(i, len(m), resolution)
		slots[i] = TimeSlot{Hour: c.Hour, Minute: c.Minute, IsActive: m[i] == '1'}
	}
	return slots
}

// FromSlots rebuilds a mask from TimeSlots. Every slot of the day must appear
// exactly once; order does not matter.
func FromSlots(slots []TimeSlot, resolution int) (Mask, error) {
	m, err := New(resolution)
	if err != nil {
		return "", err
	}
	if len(slots) != m.Len() {
		return "", fmt.Errorf("%w: got %d slots, want %d", ErrLengthMismatch, len(slots), m.Len())
	}

	seen := make([]bool, m.Len())
	for _, s := range slots {
		idx, err := TimeToSlot(s.Hour, s.Minute, resolution)
		if err != nil {
			return "", err
		}
		if seen[idx] {
			return "", fmt.Errorf("%w: slot %02d:%02d listed twice", ErrMalformed, s.Hour, s.Minute)
		}
		seen[idx] = true
		if m, err = m.Set(idx, s.IsActive); err != nil {
			return "", err
		}
	}
	return m, nil
}
