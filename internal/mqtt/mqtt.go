// Package mqtt publishes timer status snapshots to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/dokzlo13/timer24d/internal/control"
)

// Availability payloads on the availability topic.
const (
	Online  = "online"
	Offline = "offline"
)

// Publisher publishes timer status.
type Publisher interface {
	// PublishStatus sends a retained snapshot for one timer.
	// Returns error if publishing fails (should not crash the process).
	PublishStatus(s Status) error

	// Close disconnects from the broker.
	Close() error
}

// Status is a snapshot of one timer.
type Status struct {
	TimerID     string         `json:"timer_id"`
	Title       string         `json:"title"`
	Timestamp   time.Time      `json:"-"`
	Status      control.Status `json:"status"`
	Slot        int            `json:"slot"`
	SlotActive  bool           `json:"slot_active"`
	Present     bool           `json:"present"`
	Desired     bool           `json:"desired"`
	ActiveSlots int            `json:"active_slots"`
	TotalSlots  int            `json:"total_slots"`
	Ranges      []string       `json:"ranges"`
	Entities    []string       `json:"entities"`
	Source      string         `json:"source,omitempty"` // storage tier the schedule came from
}

type statusPayload struct {
	Status
	Timestamp string `json:"timestamp"`
}

// FormatStatus creates the JSON payload for a status snapshot.
func FormatStatus(s Status) ([]byte, error) {
	if s.Ranges == nil {
		s.Ranges = []string{}
	}
	if s.Entities == nil {
		s.Entities = []string{}
	}
	return json.Marshal(statusPayload{
		Status:    s,
		Timestamp: s.Timestamp.UTC().Format(time.RFC3339),
	})
}

// StatusTopic returns the topic a timer's status is published on.
func StatusTopic(prefix, timerID string) string {
	return prefix + "/" + timerID + "/status"
}

// AvailabilityTopic returns the daemon availability topic.
func AvailabilityTopic(prefix string) string {
	return prefix + "/availability"
}
