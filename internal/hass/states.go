package hass

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/eventbus"
)

// EntityState is one entity as reported by Home Assistant.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
}

// stateChangedData is the payload of a state_changed event.
type stateChangedData struct {
	EntityID string       `json:"entity_id"`
	OldState *EntityState `json:"old_state"`
	NewState *EntityState `json:"new_state"`
}

// StateCache mirrors entity states. It is seeded from get_states on every
// connect, kept current from state_changed events, and republishes changes
// on the bus.
type StateCache struct {
	mu     sync.RWMutex
	states map[string]EntityState
	seeded bool
	bus    *eventbus.Bus
}

// NewStateCache creates an empty cache. bus may be nil.
func NewStateCache(bus *eventbus.Bus) *StateCache {
	return &StateCache{
		states: make(map[string]EntityState),
		bus:    bus,
	}
}

// State returns the reported state string of an entity.
func (c *StateCache) State(entityID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[entityID]
	return s.State, ok
}

// Get returns the full cached entity.
func (c *StateCache) Get(entityID string) (EntityState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[entityID]
	return s, ok
}

// Ready reports whether the cache has been seeded at least once.
func (c *StateCache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seeded
}

// Len returns the number of cached entities.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}

// Seed replaces the cache contents and publishes every difference.
func (c *StateCache) Seed(states []EntityState) {
	next := make(map[string]EntityState, len(states))
	for _, s := range states {
		next[s.EntityID] = s
	}

	c.mu.Lock()
	prev := c.states
	c.states = next
	c.seeded = true
	c.mu.Unlock()

	for id, s := range next {
		if old, ok := prev[id]; !ok || old.State != s.State {
			c.publish(id, old.State, s.State)
		}
	}
	for id, old := range prev {
		if _, ok := next[id]; !ok {
			c.publish(id, old.State, "")
		}
	}
}

// Apply folds one state_changed event payload into the cache.
func (c *StateCache) Apply(data json.RawMessage) {
	var ev stateChangedData
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warn().Err(err).Msg("Ignoring malformed state_changed event")
		return
	}
	if ev.EntityID == "" {
		return
	}

	c.mu.Lock()
	old, existed := c.states[ev.EntityID]
	if ev.NewState == nil {
		delete(c.states, ev.EntityID)
	} else {
		c.states[ev.EntityID] = *ev.NewState
	}
	c.mu.Unlock()

	newState := ""
	if ev.NewState != nil {
		newState = ev.NewState.State
	}
	if existed && old.State == newState {
		return
	}
	c.publish(ev.EntityID, old.State, newState)
}

func (c *StateCache) publish(entityID, oldState, newState string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeStateChanged,
		Data: map[string]any{
			"entity_id": entityID,
			"old_state": oldState,
			"state":     newState,
		},
	})
}

// Attach subscribes the cache to conn and reseeds it on every connect.
// Must be called before conn.Run.
func (c *StateCache) Attach(ctx context.Context, conn *Conn) (func(), error) {
	conn.OnConnect(func(ctx context.Context) {
		states, err := conn.GetStates(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to fetch entity states")
			return
		}
		c.Seed(states)
		log.Info().Int("entities", len(states)).Msg("Entity state cache seeded")
	})
	return conn.SubscribeEvents(ctx, "state_changed", c.Apply)
}
