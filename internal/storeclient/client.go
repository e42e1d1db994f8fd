// Package storeclient talks to the schedule store over a message transport:
// request/response for get, set, delete and list, plus change notifications.
package storeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/mask"
	"github.com/dokzlo13/timer24d/internal/schedule"
)

// ErrDestroyed is returned by subscriptions on a destroyed client.
var ErrDestroyed = errors.New("store client destroyed")

// Transport carries store messages. hass.Conn and schedule.LocalTransport
// implement it.
type Transport interface {
	SendMessage(ctx context.Context, msg map[string]any) (json.RawMessage, error)
	SubscribeEvents(ctx context.Context, eventType string, handler func(json.RawMessage)) (func(), error)
}

// codedError is implemented by transport errors that carry a wire code.
type codedError interface {
	ErrorCode() string
}

// Client is a schedule store client. Subscriptions taken through it are
// released by Destroy.
type Client struct {
	tr Transport

	mu        sync.Mutex
	subs      map[uint64]func()
	nextSub   uint64
	destroyed bool
}

// New creates a client over tr.
func New(tr Transport) *Client {
	return &Client{
		tr:   tr,
		subs: make(map[uint64]func()),
	}
}

// Get fetches the schedule for timerID; the store creates a default one if
// absent. A stored mask that does not fit its resolution is replaced by a
// fresh default.
func (c *Client) Get(ctx context.Context, timerID string) (schedule.Schedule, error) {
	s, _, err := c.GetOrCreate(ctx, timerID, 0)
	return s, err
}

// GetOrCreate is Get asking the store to create a missing schedule at
// resolution (the store default when 0). created reports that the store had
// nothing for timerID; stores that predate the flag never set it.
func (c *Client) GetOrCreate(ctx context.Context, timerID string, resolution int) (s schedule.Schedule, created bool, err error) {
	msg := map[string]any{"type": schedule.TypeGet, "timer_id": timerID}
	if resolution != 0 {
		if err := mask.ValidateResolution(resolution); err != nil {
			return schedule.Schedule{}, false, &schedule.ValidationError{Field: "resolution_minutes", Reason: err.Error(), Err: err}
		}
		msg["resolution_minutes"] = resolution
	}

	var res schedule.ScheduleResult
	if err := c.call(ctx, msg, &res); err != nil {
		return schedule.Schedule{}, false, err
	}
	return repair(timerID, res.Schedule), res.Created, nil
}

// Set applies a partial update. What can be checked locally is checked
// before sending; server-side rejections come back as ValidationError.
func (c *Client) Set(ctx context.Context, timerID string, u schedule.Update) (schedule.Schedule, error) {
	msg := map[string]any{"type": schedule.TypeSet, "timer_id": timerID}

	if u.ResolutionMinutes != nil {
		if err := mask.ValidateResolution(*u.ResolutionMinutes); err != nil {
			return schedule.Schedule{}, &schedule.ValidationError{Field: "resolution_minutes", Reason: err.Error(), Err: err}
		}
		msg["resolution_minutes"] = *u.ResolutionMinutes
	}
	if u.Mask != nil {
		if err := u.Mask.CheckChars(); err != nil {
			return schedule.Schedule{}, &schedule.ValidationError{Field: "mask", Reason: err.Error(), Err: err}
		}
		if u.ResolutionMinutes != nil {
			if err := u.Mask.Check(*u.ResolutionMinutes); err != nil {
				return schedule.Schedule{}, &schedule.ValidationError{Field: "mask", Reason: err.Error(), Err: err}
			}
		}
		msg["mask"] = u.Mask.String()
	}
	if u.Entities != nil {
		msg["entities"] = append([]string{}, (*u.Entities)...)
	}

	var res schedule.ScheduleResult
	if err := c.call(ctx, msg, &res); err != nil {
		return schedule.Schedule{}, err
	}
	return repair(timerID, res.Schedule), nil
}

// Delete removes a schedule and reports whether one existed.
func (c *Client) Delete(ctx context.Context, timerID string) (bool, error) {
	var res schedule.DeleteResult
	if err := c.call(ctx, map[string]any{"type": schedule.TypeDelete, "timer_id": timerID}, &res); err != nil {
		return false, err
	}
	return res.Deleted, nil
}

// List returns every stored schedule in full.
func (c *Client) List(ctx context.Context) (map[string]schedule.Schedule, error) {
	raw, err := c.list(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]schedule.Schedule, len(raw))
	for id, data := range raw {
		var s schedule.Schedule
		if err := json.Unmarshal(data, &s); err != nil {
			log.Warn().Err(err).Str("timer", id).Msg("Skipping undecodable schedule")
			continue
		}
		out[id] = repair(id, s)
	}
	return out, nil
}

// ListSummaries returns the summary form of every stored schedule.
func (c *Client) ListSummaries(ctx context.Context) (map[string]schedule.Summary, error) {
	raw, err := c.list(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]schedule.Summary, len(raw))
	for id, data := range raw {
		var s schedule.Summary
		if err := json.Unmarshal(data, &s); err != nil {
			log.Warn().Err(err).Str("timer", id).Msg("Skipping undecodable summary")
			continue
		}
		out[id] = s
	}
	return out, nil
}

func (c *Client) list(ctx context.Context, summaryOnly bool) (map[string]json.RawMessage, error) {
	var res schedule.ListResult
	msg := map[string]any{"type": schedule.TypeList, "summary_only": summaryOnly}
	if err := c.call(ctx, msg, &res); err != nil {
		return nil, err
	}
	return res.Schedules, nil
}

// OnScheduleUpdated registers cb for remote schedule changes. The returned
// function unsubscribes and may be called any number of times.
func (c *Client) OnScheduleUpdated(ctx context.Context, cb func(timerID string, s schedule.Schedule)) (func(), error) {
	return c.subscribe(ctx, schedule.EventUpdated, func(data json.RawMessage) {
		var ev schedule.UpdatedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed schedule update event")
			return
		}
		cb(ev.TimerID, repair(ev.TimerID, ev.Schedule))
	})
}

// OnScheduleDeleted registers cb for remote schedule deletions.
func (c *Client) OnScheduleDeleted(ctx context.Context, cb func(timerID string)) (func(), error) {
	return c.subscribe(ctx, schedule.EventDeleted, func(data json.RawMessage) {
		var ev schedule.DeletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed schedule delete event")
			return
		}
		cb(ev.TimerID)
	})
}

func (c *Client) subscribe(ctx context.Context, eventType string, handler func(json.RawMessage)) (func(), error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	c.mu.Unlock()

	release, err := c.tr.SubscribeEvents(ctx, eventType, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		release()
		return nil, ErrDestroyed
	}
	c.nextSub++
	id := c.nextSub
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			release()
		})
	}
	c.subs[id] = unsubscribe
	c.mu.Unlock()

	return unsubscribe, nil
}

// Subscriptions returns the number of live subscriptions.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Destroy releases every subscription held by this client. Later
// subscription attempts fail with ErrDestroyed.
func (c *Client) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	subs := make([]func(), 0, len(c.subs))
	for _, unsub := range c.subs {
		subs = append(subs, unsub)
	}
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

func (c *Client) call(ctx context.Context, msg map[string]any, out any) error {
	raw, err := c.tr.SendMessage(ctx, msg)
	if err != nil {
		return mapError(msg, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", msg["type"], err)
	}
	return nil
}

func mapError(msg map[string]any, err error) error {
	var coded codedError
	if errors.As(err, &coded) {
		switch coded.ErrorCode() {
		case schedule.CodeInvalidMask, schedule.CodeInvalidFormat:
			return &schedule.ValidationError{Field: "mask", Reason: err.Error(), Err: err}
		}
	}
	return fmt.Errorf("%s failed: %w", msg["type"], err)
}

func repair(timerID string, s schedule.Schedule) schedule.Schedule {
	fixed, repaired := s.Repair()
	if repaired {
		log.Warn().
			Err(schedule.ErrStaleData).
			Str("timer", timerID).
			Int("resolution", s.ResolutionMinutes).
			Int("mask_len", s.Mask.Len()).
			Msg("StaleDataIgnored: replaced schedule mask with default")
	}
	return fixed
}
