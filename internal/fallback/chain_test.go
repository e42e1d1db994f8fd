package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/timer24d/internal/db"
	"github.com/dokzlo13/timer24d/internal/eventbus"
	"github.com/dokzlo13/timer24d/internal/mask"
	"github.com/dokzlo13/timer24d/internal/schedule"
	"github.com/dokzlo13/timer24d/internal/state"
	"github.com/dokzlo13/timer24d/internal/storeclient"
)

type brokenBackend struct {
	name  string
	saves int
}

func (b *brokenBackend) Name() string { return b.name }

func (b *brokenBackend) Load(context.Context, string) (Record, error) {
	return Record{}, errors.New("connection refused")
}

func (b *brokenBackend) Save(context.Context, string, Record) error {
	b.saves++
	return errors.New("connection refused")
}

func openSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "local.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewSQLiteBackend(database.DB)
}

func activeMask(t *testing.T, idx ...int) mask.Mask {
	t.Helper()
	m, err := mask.New(30)
	require.NoError(t, err)
	for _, i := range idx {
		m, err = m.Set(i, true)
		require.NoError(t, err)
	}
	return m
}

func TestChainFallsThroughFailingTier(t *testing.T) {
	ctx := context.Background()
	remote := &brokenBackend{name: "remote"}
	local := openSQLite(t)
	chain := NewChain(remote, local, NewMemoryBackend())

	rec := Record{Mask: activeMask(t, 17), Resolution: 30, Entities: []string{"light.a"}}
	stored, err := chain.Save(ctx, "kitchen", rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"sqlite", "memory"}, stored.Tiers)
	assert.True(t, stored.Timestamp.IsZero(), "primary tier failed")
	assert.Equal(t, 1, remote.saves)

	got, tier, err := chain.Load(ctx, "kitchen", 30)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", tier)
	assert.Equal(t, rec.Mask, got.Mask)
	assert.Equal(t, []string{"light.a"}, got.Entities)
	assert.False(t, got.Timestamp.IsZero())
}

func TestChainAllFailing(t *testing.T) {
	ctx := context.Background()
	chain := NewChain(&brokenBackend{name: "remote"}, &brokenBackend{name: "sqlite"})

	_, err := chain.Save(ctx, "k", Record{Mask: activeMask(t), Resolution: 30})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, _, err = chain.Load(ctx, "k", 30)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestChainEmpty(t *testing.T) {
	_, _, err := NewChain(NewMemoryBackend()).Load(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}

func TestChainSkipsStaleRecord(t *testing.T) {
	ctx := context.Background()
	stale := NewMemoryBackend()
	require.NoError(t, stale.Save(ctx, "k", Record{Mask: mask.Mask(strings.Repeat("1", 24)), Resolution: 30}))
	good := NewMemoryBackend()
	require.NoError(t, good.Save(ctx, "k", Record{Mask: activeMask(t, 3), Resolution: 30}))

	chain := NewChain(namedBackend{"first", stale}, namedBackend{"second", good})
	got, tier, err := chain.Load(ctx, "k", 30)
	require.NoError(t, err)
	assert.Equal(t, "second", tier)
	assert.Equal(t, 1, got.Mask.CountActive())
}

func TestSQLiteLegacyTimeSlots(t *testing.T) {
	ctx := context.Background()
	local := openSQLite(t)

	m := activeMask(t, 0, 47)
	legacy := Record{TimeSlots: m.Slots(30), Timestamp: time.Now()}
	require.NoError(t, local.Save(ctx, "kitchen", legacy))

	got, tier, err := NewChain(local).Load(ctx, "kitchen", 30)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", tier)
	assert.Equal(t, m, got.Mask)
	assert.Equal(t, 30, got.Resolution)
	assert.Nil(t, got.TimeSlots)
}

func TestRecordLegacyJSON(t *testing.T) {
	m := activeMask(t, 2)
	slots, err := json.Marshal(m.Slots(30))
	require.NoError(t, err)

	var bare Record
	require.NoError(t, json.Unmarshal(slots, &bare))
	norm, err := bare.Normalize()
	require.NoError(t, err)
	assert.Equal(t, m, norm.Mask)

	var withMillis Record
	raw := `{"timeSlots":` + string(slots) + `,"timestamp":1700000000000}`
	require.NoError(t, json.Unmarshal([]byte(raw), &withMillis))
	assert.Equal(t, int64(1700000000), withMillis.Timestamp.Unix())
	assert.Len(t, withMillis.TimeSlots, 48)
}

func TestSQLiteReadsBareArray(t *testing.T) {
	ctx := context.Background()
	local := openSQLite(t)
	m := activeMask(t, 5)
	slots, err := json.Marshal(m.Slots(30))
	require.NoError(t, err)

	_, err = local.db.Exec(`INSERT INTO local_schedule (key, value, updated_at) VALUES (?, ?, 0)`,
		KeyPrefix+"porch", string(slots))
	require.NoError(t, err)

	got, _, err := NewChain(local).Load(ctx, "porch", 0)
	require.NoError(t, err)
	assert.Equal(t, m, got.Mask)
}

func TestMemoryBackendCopiesEntities(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	ents := []string{"light.a"}
	require.NoError(t, b.Save(ctx, "k", Record{Entities: ents}))
	ents[0] = "changed"

	got, err := b.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"light.a"}, got.Entities)
}

type namedBackend struct {
	name string
	Backend
}

func (n namedBackend) Name() string { return n.name }

func TestSQLiteClear(t *testing.T) {
	ctx := context.Background()
	local := openSQLite(t)
	require.NoError(t, local.Save(ctx, "kitchen", Record{Mask: activeMask(t, 1), Resolution: 30}))

	require.NoError(t, local.Clear(ctx))
	_, err := local.Load(ctx, "kitchen")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChainSkipsOtherResolution(t *testing.T) {
	ctx := context.Background()
	coarse := NewMemoryBackend()
	require.NoError(t, coarse.Save(ctx, "k", Record{Mask: activeMask(t, 3), Resolution: 30}))
	fine := NewMemoryBackend()
	fineMask, err := mask.New(15)
	require.NoError(t, err)
	fineMask, err = fineMask.Set(40, true)
	require.NoError(t, err)
	require.NoError(t, fine.Save(ctx, "k", Record{Mask: fineMask, Resolution: 15}))

	chain := NewChain(namedBackend{"first", coarse}, namedBackend{"second", fine})
	got, tier, err := chain.Load(ctx, "k", 15)
	require.NoError(t, err)
	assert.Equal(t, "second", tier)
	assert.Equal(t, fineMask, got.Mask)

	_, _, err = NewChain(coarse).Load(ctx, "k", 15)
	assert.ErrorIs(t, err, ErrNotFound)
}

type storeFixture struct {
	svc    *schedule.Service
	remote *RemoteBackend
}

func newStoreFixture(t *testing.T, now time.Time) *storeFixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "store.sqlite"))
	require.NoError(t, err)
	bus := eventbus.New()
	t.Cleanup(func() {
		bus.Close(context.Background())
		database.Close()
	})

	svc := schedule.NewService(schedule.NewRepository(state.NewStore(database.DB)), bus, "UTC",
		schedule.WithClock(func() time.Time { return now }))
	client := storeclient.New(schedule.NewLocalTransport(svc, bus))
	t.Cleanup(client.Destroy)
	return &storeFixture{svc: svc, remote: NewRemoteBackend(client)}
}

func TestRemoteDefaultDoesNotShadowLocalCopy(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t, time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC))

	local := NewMemoryBackend()
	m, err := mask.New(15)
	require.NoError(t, err)
	m, err = m.Set(35, true)
	require.NoError(t, err)
	require.NoError(t, local.Save(ctx, "porch", Record{Mask: m, Resolution: 15}))

	got, tier, err := NewChain(f.remote, local).Load(ctx, "porch", 15)
	require.NoError(t, err)
	assert.Equal(t, "memory", tier)
	assert.Equal(t, m, got.Mask)

	// The store created its default at the requested resolution.
	created, err := f.svc.Get(ctx, "porch")
	require.NoError(t, err)
	assert.Equal(t, 15, created.ResolutionMinutes)

	// Once it exists the store is authoritative again.
	got, tier, err = NewChain(f.remote, local).Load(ctx, "porch", 15)
	require.NoError(t, err)
	assert.Equal(t, "remote", tier)
	assert.Equal(t, 0, got.Mask.CountActive())
}

func TestSaveReportsStoreTimestamp(t *testing.T) {
	ctx := context.Background()
	stored := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	f := newStoreFixture(t, stored)

	saved, err := NewChain(f.remote, NewMemoryBackend()).Save(ctx, "porch", Record{
		Mask:       activeMask(t, 17),
		Resolution: 30,
		Timestamp:  stored.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"remote", "memory"}, saved.Tiers)
	assert.True(t, stored.Equal(saved.Timestamp), "timestamp = %s", saved.Timestamp)
}
