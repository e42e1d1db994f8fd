package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/timer24d/internal/control"
	"github.com/dokzlo13/timer24d/internal/db"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestRecordCommand(t *testing.T) {
	l := openLedger(t)
	now := time.Now()

	l.RecordCommand(control.CommandRecord{
		PassID: "p1", TimerID: "kitchen", EntityID: "light.a", Service: "turn_on", At: now.Add(-time.Minute),
	})
	l.RecordCommand(control.CommandRecord{
		PassID: "p2", TimerID: "kitchen", EntityID: "light.a", Service: "turn_off", At: now,
		Err: errors.New("unavailable"),
	})
	l.RecordCommand(control.CommandRecord{PassID: "p3", TimerID: "other", EntityID: "light.b", Service: "turn_on", At: now})

	entries, err := l.ForTimer("kitchen", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, EventCommandFailed, entries[0].EventType)
	assert.Equal(t, "unavailable", entries[0].Error)
	assert.Equal(t, EventCommandIssued, entries[1].EventType)
	assert.Equal(t, "p1", entries[1].PassID)
}

func TestDeleteOlderThan(t *testing.T) {
	l := openLedger(t)

	require.NoError(t, l.Append(Entry{EventType: EventCommandIssued, TimerID: "t", Timestamp: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, l.Append(Entry{EventType: EventCommandIssued, TimerID: "t"}))

	deleted, err := l.DeleteOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}
