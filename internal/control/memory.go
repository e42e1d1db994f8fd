package control

import "time"

// DefaultCooldown is how long a command suppresses a repeat of itself.
const DefaultCooldown = 30 * time.Second

type memoryEntry struct {
	on       bool
	issuedAt time.Time
}

// Memory remembers the last command sent to each entity until the cool-down
// lapses. It is owned by a single controller goroutine and is not safe for
// concurrent use.
type Memory struct {
	now      func() time.Time
	cooldown time.Duration
	entries  map[string]memoryEntry
}

// NewMemory creates a control memory. A nil now uses time.Now.
func NewMemory(cooldown time.Duration, now func() time.Time) *Memory {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:      now,
		cooldown: cooldown,
		entries:  make(map[string]memoryEntry),
	}
}

// Cooldown returns the configured expiry window.
func (m *Memory) Cooldown() time.Duration {
	return m.cooldown
}

// Get returns the last commanded state for an entity, if still remembered.
func (m *Memory) Get(entityID string) (on bool, ok bool) {
	e, ok := m.entries[entityID]
	if !ok {
		return false, false
	}
	if m.expired(e) {
		delete(m.entries, entityID)
		return false, false
	}
	return e.on, true
}

// Record stores a command issued now.
func (m *Memory) Record(entityID string, on bool) {
	m.entries[entityID] = memoryEntry{on: on, issuedAt: m.now()}
}

// Clear forgets every command, e.g. after a manual schedule edit.
func (m *Memory) Clear() {
	m.entries = make(map[string]memoryEntry)
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.Expire()
	return len(m.entries)
}

// Expire drops lapsed entries and returns how many were removed.
func (m *Memory) Expire() int {
	removed := 0
	for id, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

func (m *Memory) expired(e memoryEntry) bool {
	return m.now().Sub(e.issuedAt) >= m.cooldown
}
