package fallback

import (
	"context"
	"time"

	"github.com/dokzlo13/timer24d/internal/schedule"
	"github.com/dokzlo13/timer24d/internal/storeclient"
)

// RemoteBackend stores records in the schedule store.
type RemoteBackend struct {
	client *storeclient.Client
}

// NewRemoteBackend creates the store tier.
func NewRemoteBackend(client *storeclient.Client) *RemoteBackend {
	return &RemoteBackend{client: client}
}

func (b *RemoteBackend) Name() string { return "remote" }

// Load gets (or creates) the schedule in the store.
func (b *RemoteBackend) Load(ctx context.Context, timerID string) (Record, error) {
	return b.loadOrCreate(ctx, timerID, 0)
}

// loadOrCreate reports ErrNotFound when the store had to create the schedule,
// so its empty default does not shadow local copies.
func (b *RemoteBackend) loadOrCreate(ctx context.Context, timerID string, resolution int) (Record, error) {
	s, created, err := b.client.GetOrCreate(ctx, timerID, resolution)
	if err != nil {
		return Record{}, err
	}
	if created {
		return Record{}, ErrNotFound
	}
	return Record{
		Mask:       s.Mask,
		Resolution: s.ResolutionMinutes,
		Entities:   s.Entities,
		Timestamp:  s.UpdatedAt,
	}, nil
}

// Save writes mask, resolution and entities in one update.
func (b *RemoteBackend) Save(ctx context.Context, timerID string, r Record) error {
	_, err := b.saveStamped(ctx, timerID, r)
	return err
}

// saveStamped returns the store's updated_at for the write.
func (b *RemoteBackend) saveStamped(ctx context.Context, timerID string, r Record) (time.Time, error) {
	m := r.Mask
	res := r.Resolution
	ents := r.Entities
	if ents == nil {
		ents = []string{}
	}
	s, err := b.client.Set(ctx, timerID, schedule.Update{
		Mask:              &m,
		ResolutionMinutes: &res,
		Entities:          &ents,
	})
	if err != nil {
		return time.Time{}, err
	}
	return s.UpdatedAt, nil
}
