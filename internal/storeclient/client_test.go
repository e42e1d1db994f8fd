package storeclient

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/timer24d/internal/db"
	"github.com/dokzlo13/timer24d/internal/eventbus"
	"github.com/dokzlo13/timer24d/internal/mask"
	"github.com/dokzlo13/timer24d/internal/schedule"
	"github.com/dokzlo13/timer24d/internal/state"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []map[string]any
	reply    json.RawMessage
	err      error
	handlers map[string][]func(json.RawMessage)
	released int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]func(json.RawMessage))}
}

func (f *fakeTransport) SendMessage(_ context.Context, msg map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.reply, f.err
}

func (f *fakeTransport) SubscribeEvents(_ context.Context, eventType string, handler func(json.RawMessage)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[eventType] = append(f.handlers[eventType], handler)
	return func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) fire(eventType string, data any) {
	raw, _ := json.Marshal(data)
	f.mu.Lock()
	hs := append([]func(json.RawMessage){}, f.handlers[eventType]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

type codeErr string

func (e codeErr) Error() string     { return string(e) }
func (e codeErr) ErrorCode() string { return string(e) }

func TestGetRepairsStaleMask(t *testing.T) {
	tr := newFakeTransport()
	tr.reply, _ = json.Marshal(schedule.ScheduleResult{
		TimerID: "k",
		Schedule: schedule.Schedule{
			ResolutionMinutes: 30,
			Mask:              mask.Mask(strings.Repeat("1", 24)),
		},
		Success: true,
	})

	s, err := New(tr).Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 48, s.Mask.Len())
	assert.Zero(t, s.Mask.CountActive())
	assert.NotNil(t, s.Entities)
	assert.Equal(t, schedule.TypeGet, tr.sent[0]["type"])
	assert.Equal(t, "k", tr.sent[0]["timer_id"])
}

func TestSetValidatesLocally(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr)
	ctx := context.Background()

	bad := mask.Mask("01a")
	_, err := c.Set(ctx, "k", schedule.Update{Mask: &bad})
	assert.ErrorIs(t, err, schedule.ErrValidation)

	res := 7
	_, err = c.Set(ctx, "k", schedule.Update{ResolutionMinutes: &res})
	assert.ErrorIs(t, err, mask.ErrInvalidResolution)

	res = 60
	m, _ := mask.New(30)
	_, err = c.Set(ctx, "k", schedule.Update{ResolutionMinutes: &res, Mask: &m})
	assert.ErrorIs(t, err, mask.ErrLengthMismatch)

	assert.Empty(t, tr.sent, "invalid updates must not reach the transport")
}

func TestSetSendsOnlyGivenFields(t *testing.T) {
	tr := newFakeTransport()
	tr.reply, _ = json.Marshal(schedule.ScheduleResult{Schedule: schedule.Default("UTC", time.Now()), Success: true})

	ents := []string{"light.a"}
	_, err := New(tr).Set(context.Background(), "k", schedule.Update{Entities: &ents})
	require.NoError(t, err)

	require.Len(t, tr.sent, 1)
	assert.Equal(t, []string{"light.a"}, tr.sent[0]["entities"])
	assert.NotContains(t, tr.sent[0], "mask")
	assert.NotContains(t, tr.sent[0], "resolution_minutes")
}

func TestSetMapsServerErrors(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr)
	m, _ := mask.New(30)

	tr.err = codeErr(schedule.CodeInvalidMask)
	_, err := c.Set(context.Background(), "k", schedule.Update{Mask: &m})
	var verr *schedule.ValidationError
	assert.ErrorAs(t, err, &verr)

	tr.err = codeErr(schedule.CodeSetFailed)
	_, err = c.Set(context.Background(), "k", schedule.Update{Mask: &m})
	assert.NotErrorIs(t, err, schedule.ErrValidation)
	assert.Error(t, err)
}

func TestSubscriptionsAndDestroy(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr)
	ctx := context.Background()

	var first, second []string
	unsub1, err := c.OnScheduleUpdated(ctx, func(id string, _ schedule.Schedule) { first = append(first, id) })
	require.NoError(t, err)
	_, err = c.OnScheduleUpdated(ctx, func(id string, _ schedule.Schedule) { second = append(second, id) })
	require.NoError(t, err)
	_, err = c.OnScheduleDeleted(ctx, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, 3, c.Subscriptions())

	tr.fire(schedule.EventUpdated, schedule.UpdatedEvent{TimerID: "k", Schedule: schedule.Default("UTC", time.Now())})
	assert.Equal(t, []string{"k"}, first)
	assert.Equal(t, []string{"k"}, second)

	unsub1()
	unsub1()
	assert.Equal(t, 1, tr.released, "unsubscribe must be idempotent")
	assert.Equal(t, 2, c.Subscriptions())

	c.Destroy()
	assert.Equal(t, 3, tr.released)
	assert.Zero(t, c.Subscriptions())

	_, err = c.OnScheduleDeleted(ctx, func(string) {})
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestClientOverLocalTransport(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	require.NoError(t, err)
	bus := eventbus.New()
	t.Cleanup(func() {
		bus.Close(context.Background())
		database.Close()
	})

	svc := schedule.NewService(schedule.NewRepository(state.NewStore(database.DB)), bus, "UTC")
	c := New(schedule.NewLocalTransport(svc, bus))
	defer c.Destroy()
	ctx := context.Background()

	deletedCh := make(chan string, 1)
	_, err = c.OnScheduleDeleted(ctx, func(id string) { deletedCh <- id })
	require.NoError(t, err)

	s, err := c.Get(ctx, "kitchen")
	require.NoError(t, err)
	assert.Equal(t, 48, s.Mask.Len())

	m, _ := s.Mask.Set(17, true)
	s, err = c.Set(ctx, "kitchen", schedule.Update{Mask: &m})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Mask.CountActive())

	wrong := mask.Mask("0101")
	_, err = c.Set(ctx, "kitchen", schedule.Update{Mask: &wrong})
	assert.ErrorIs(t, err, schedule.ErrValidation)

	sums, err := c.ListSummaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sums["kitchen"].ActiveSlots)

	all, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, m, all["kitchen"].Mask)

	deleted, err := c.Delete(ctx, "kitchen")
	require.NoError(t, err)
	assert.True(t, deleted)

	select {
	case id := <-deletedCh:
		assert.Equal(t, "kitchen", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no delete notification")
	}

	deleted, err = c.Delete(ctx, "kitchen")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMapErrorKeepsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := mapError(map[string]any{"type": schedule.TypeGet}, cause)
	assert.ErrorIs(t, err, cause)
}

func TestGetOrCreateAtResolution(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	require.NoError(t, err)
	bus := eventbus.New()
	t.Cleanup(func() {
		bus.Close(context.Background())
		database.Close()
	})

	svc := schedule.NewService(schedule.NewRepository(state.NewStore(database.DB)), bus, "UTC")
	c := New(schedule.NewLocalTransport(svc, bus))
	ctx := context.Background()

	s, created, err := c.GetOrCreate(ctx, "porch", 15)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 15, s.ResolutionMinutes)
	assert.Equal(t, 96, s.Mask.Len())

	s, created, err = c.GetOrCreate(ctx, "porch", 15)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 15, s.ResolutionMinutes)

	_, _, err = c.GetOrCreate(ctx, "porch", 7)
	assert.ErrorIs(t, err, schedule.ErrValidation)
}
