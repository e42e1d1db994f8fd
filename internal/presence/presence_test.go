package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string]string

func (m mapSource) State(id string) (string, bool) {
	s, ok := m[id]
	return s, ok
}

const shabbat = "binary_sensor.jewish_calendar_issur_melacha_in_effect"

func TestEvaluate_NoSensors(t *testing.T) {
	for _, logic := range []Logic{LogicAND, LogicOR} {
		assert.True(t, Evaluate(nil, logic), "%s with no sensors", logic)
	}
}

func TestEvaluate_SingleNormal(t *testing.T) {
	for _, logic := range []Logic{LogicAND, LogicOR} {
		on := []Reading{{EntityID: "person.a", State: "on", Found: true}}
		assert.True(t, Evaluate(on, logic), "%s with on sensor", logic)
		off := []Reading{{EntityID: "person.a", State: "off", Found: true}}
		assert.False(t, Evaluate(off, logic), "%s with off sensor", logic)
	}
}

func TestEvaluate_Inverted(t *testing.T) {
	off := []Reading{{EntityID: shabbat, State: "off", Found: true, Kind: KindInverted}}
	assert.True(t, Evaluate(off, LogicOR), "inverted sensor off allows automation")
	on := []Reading{{EntityID: shabbat, State: "on", Found: true, Kind: KindInverted}}
	assert.False(t, Evaluate(on, LogicOR), "inverted sensor on blocks automation")
}

func TestKind_Truthy(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{"on", true}, {"ON", true}, {"home", true}, {"Home", true},
		{"true", true}, {"1", true}, {"yes", true},
		{"off", false}, {"not_home", false}, {"unavailable", false}, {"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindNormal.Truthy(tt.state), "KindNormal.Truthy(%q)", tt.state)
	}
	assert.True(t, KindInverted.Truthy("OFF"))
}

func TestEvaluate_MixedLogic(t *testing.T) {
	readings := []Reading{
		{EntityID: "a", State: "home", Found: true},
		{EntityID: "b", State: "not_home", Found: true},
	}
	assert.False(t, Evaluate(readings, LogicAND))
	assert.True(t, Evaluate(readings, LogicOR))
}

func TestEvaluate_Unresolvable(t *testing.T) {
	missing := []Reading{{EntityID: "gone"}, {EntityID: "also_gone"}}
	assert.True(t, Evaluate(missing, LogicAND), "AND identity")
	assert.False(t, Evaluate(missing, LogicOR), "OR identity")

	partial := []Reading{{EntityID: "gone"}, {EntityID: "a", State: "on", Found: true}}
	assert.True(t, Evaluate(partial, LogicAND), "AND skips unresolved sensors")
}

func TestEvaluator_UsesKindTable(t *testing.T) {
	src := mapSource{shabbat: "off", "sensor.custom_block": "off"}
	e := NewEvaluator(NewKindTable("sensor.custom_block"))

	assert.True(t, e.Evaluate([]string{shabbat}, LogicAND, src), "default inverted sensor")
	assert.True(t, e.Evaluate([]string{"sensor.custom_block"}, LogicAND, src), "configured inverted sensor")
	assert.False(t, e.Evaluate([]string{"sensor.plain"}, LogicOR, mapSource{"sensor.plain": "off"}), "unlisted sensor is normal")
}

func TestParseLogic(t *testing.T) {
	tests := map[string]Logic{"": LogicOR, "or": LogicOR, "OR": LogicOR, "and": LogicAND, " AND ": LogicAND}
	for in, want := range tests {
		got, err := ParseLogic(in)
		require.NoError(t, err, "ParseLogic(%q)", in)
		assert.Equal(t, want, got, "ParseLogic(%q)", in)
	}
	_, err := ParseLogic("XOR")
	assert.Error(t, err)
}
