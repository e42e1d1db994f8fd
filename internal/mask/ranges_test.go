package mask

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rangeStrings(rs []Range) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}

func TestRanges_AllZero(t *testing.T) {
	m, _ := New(30)
	assert.Empty(t, m.Ranges(30))
}

func TestRanges_AllOne(t *testing.T) {
	got := Mask(strings.Repeat("1", 48)).Ranges(30)
	require.Len(t, got, 1)
	assert.Equal(t, ClockTime{0, 0}, got[0].Start)
	assert.Equal(t, EndOfDay, got[0].End)
}

func TestRanges_NoWraparound(t *testing.T) {
	m, _ := New(30)
	m, _ = m.Set(0, true)
	m, _ = m.Set(47, true)

	assert.Equal(t, []string{"00:00-00:30", "23:30-24:00"}, rangeStrings(m.Ranges(30)))
}

func TestRanges_Groups(t *testing.T) {
	tests := []struct {
		name string
		set  []int
		want []string
	}{
		{"single", []int{17}, []string{"08:30-09:00"}},
		{"contiguous", []int{16, 17, 18}, []string{"08:00-09:30"}},
		{"split", []int{2, 3, 5}, []string{"01:00-02:00", "02:30-03:00"}},
		{"last_only", []int{47}, []string{"23:30-24:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := New(30)
			for _, i := range tt.set {
				m, _ = m.Set(i, true)
			}
			assert.Equal(t, tt.want, rangeStrings(m.Ranges(30)))
		})
	}
}

func TestSlotsRoundTrip(t *testing.T) {
	m, _ := New(15)
	for _, i := range []int{0, 7, 8, 50, 95} {
		m, _ = m.Set(i, true)
	}

	slots := m.Slots(15)
	require.Len(t, slots, 96)
	assert.Equal(t, 1, slots[7].Hour)
	assert.Equal(t, 45, slots[7].Minute)
	assert.True(t, slots[7].IsActive)

	back, err := FromSlots(slots, 15)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestFromSlots_Rejects(t *testing.T) {
	m, _ := New(30)
	slots := m.Slots(30)

	_, err := FromSlots(slots[:47], 30)
	assert.ErrorIs(t, err, ErrLengthMismatch)

	dup := append([]TimeSlot(nil), slots...)
	dup[1] = dup[0]
	_, err = FromSlots(dup, 30)
	assert.ErrorIs(t, err, ErrMalformed)
}
