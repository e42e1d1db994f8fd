package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/timer24d/internal/presence"
)

const minimal = `
homeassistant:
  url: ws://ha.local:8123/api/websocket
  token: secret
timers:
  - title: Kitchen Lights
    entities: [light.kitchen]
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, StoreModeRemote, cfg.Store.Mode)
	assert.Equal(t, 30*time.Second, cfg.Control.Cooldown.Duration())
	assert.Equal(t, 2*time.Minute, cfg.Control.TickInterval.Duration())
	assert.Equal(t, "UTC", cfg.Timezone)

	timer := cfg.Timers[0]
	assert.Equal(t, "kitchen_lights", timer.ID())
	assert.True(t, timer.SavesState(), "save_state should default to true")
	assert.Equal(t, presence.LogicOR, timer.Logic())
	assert.Equal(t, 30, timer.ResolutionMinutes)
	assert.False(t, cfg.MQTT.Enabled(), "mqtt should be disabled without a broker")
}

func TestParseExplicit(t *testing.T) {
	data := `
homeassistant:
  url: ws://ha.local:8123/api/websocket
  token: secret
  max_reconnects: 5
store:
  mode: local
control:
  cooldown: 45s
timers:
  - title: Boiler
    entities: [switch.boiler]
    home_sensors: [person.a, person.b]
    home_logic: and
    save_state: false
    resolution_minutes: 15
`
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)

	timer := cfg.Timers[0]
	assert.False(t, timer.SavesState(), "save_state: false ignored")
	assert.Equal(t, presence.LogicAND, timer.Logic())
	assert.Equal(t, 15, timer.ResolutionMinutes)
	assert.Len(t, timer.HomeSensors, 2)
	assert.Equal(t, 45*time.Second, cfg.Control.Cooldown.Duration())
	assert.Equal(t, StoreModeLocal, cfg.Store.Mode)
	assert.Equal(t, 5, cfg.HomeAssistant.MaxReconnects)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing url",
			yaml: "homeassistant: {token: x}\ntimers: [{title: a}]",
			want: "homeassistant.url",
		},
		{
			name: "no timers",
			yaml: "homeassistant: {url: ws://x, token: x}",
			want: "at least one timer",
		},
		{
			name: "bad resolution",
			yaml: "homeassistant: {url: ws://x, token: x}\ntimers: [{title: a, resolution_minutes: 7}]",
			want: "resolution_minutes",
		},
		{
			name: "bad logic",
			yaml: "homeassistant: {url: ws://x, token: x}\ntimers: [{title: a, home_logic: XOR}]",
			want: "home_logic",
		},
		{
			name: "colliding titles",
			yaml: "homeassistant: {url: ws://x, token: x}\ntimers: [{title: Living Room}, {title: living-room}]",
			want: "collides",
		},
		{
			name: "bad store mode",
			yaml: "homeassistant: {url: ws://x, token: x}\nstore: {mode: cloud}\ntimers: [{title: a}]",
			want: "store.mode",
		},
		{
			name: "bad timezone",
			yaml: "homeassistant: {url: ws://x, token: x}\ntimezone: Mars/Olympus\ntimers: [{title: a}]",
			want: "timezone",
		},
		{
			name: "bad entity",
			yaml: "homeassistant: {url: ws://x, token: x}\ntimers: [{title: a, entities: [kitchen]}]",
			want: "not an entity id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TIMER24D_TEST_TOKEN", "from-env")

	tests := []struct {
		input string
		want  string
	}{
		{"${TIMER24D_TEST_TOKEN}", "from-env"},
		{"${TIMER24D_TEST_TOKEN:fallback}", "from-env"},
		{"${TIMER24D_TEST_MISSING:fallback}", "fallback"},
		{"${TIMER24D_TEST_MISSING}", ""},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnvVars(tt.input), "expandEnvVars(%q)", tt.input)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Timers, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
