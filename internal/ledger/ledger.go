// Package ledger provides an append-only history of commands sent to entities.
package ledger

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/control"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventCommandIssued EventType = "command_issued"
	EventCommandFailed EventType = "command_failed"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64     `json:"id"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	TimerID   string    `json:"timer_id"`
	EntityID  string    `json:"entity_id"`
	Service   string    `json:"service"`
	PassID    string    `json:"pass_id"`
	Error     string    `json:"error,omitempty"`
}

// Ledger records commands for auditing
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append adds a new entry to the ledger
func (l *Ledger) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := l.db.Exec(`
		INSERT INTO command_ledger (event_type, timestamp, timer_id, entity_id, service, pass_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(e.EventType), e.Timestamp.UTC().Unix(), e.TimerID, e.EntityID, e.Service, e.PassID, e.Error)

	return err
}

// RecordCommand implements control.Recorder. Write failures are logged only.
func (l *Ledger) RecordCommand(rec control.CommandRecord) {
	e := Entry{
		EventType: EventCommandIssued,
		Timestamp: rec.At,
		TimerID:   rec.TimerID,
		EntityID:  rec.EntityID,
		Service:   rec.Service,
		PassID:    rec.PassID,
	}
	if rec.Err != nil {
		e.EventType = EventCommandFailed
		e.Error = rec.Err.Error()
	}

	if err := l.Append(e); err != nil {
		log.Warn().Err(err).Str("timer", rec.TimerID).Msg("Failed to append command to ledger")
	}
}

// ForTimer returns the most recent entries for a timer, newest first
func (l *Ledger) ForTimer(timerID string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, timer_id, entity_id, service, pass_id, error
		FROM command_ledger
		WHERE timer_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, timerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := l.db.Exec(`
		DELETE FROM command_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var entityID, service, passID, errStr sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.EventType, &timestamp, &entry.TimerID, &entityID, &service, &passID, &errStr,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		entry.EntityID = entityID.String
		entry.Service = service.String
		entry.PassID = passID.String
		entry.Error = errStr.String

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
