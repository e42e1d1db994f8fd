package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/timer24d/internal/eventbus"
	"github.com/dokzlo13/timer24d/internal/mask"
)

// LocalTransport serves timer_24h/* messages from an in-process Service and
// delivers its change events from the bus. It lets the store client run
// without a Home Assistant connection.
type LocalTransport struct {
	svc *Service
	bus *eventbus.Bus
}

// NewLocalTransport creates a transport over svc. Events are read from bus,
// which must be the bus svc publishes on.
func NewLocalTransport(svc *Service, bus *eventbus.Bus) *LocalTransport {
	return &LocalTransport{svc: svc, bus: bus}
}

// SendMessage dispatches one request and returns the result body. Failures
// are returned as *ProtocolError.
func (t *LocalTransport) SendMessage(ctx context.Context, msg map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, &ProtocolError{Code: CodeInvalidFormat, Message: err.Error()}
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &ProtocolError{Code: CodeInvalidFormat, Message: err.Error()}
	}

	var result any
	switch req.Type {
	case TypeGet:
		result, err = t.get(ctx, req)
	case TypeSet:
		result, err = t.set(ctx, req)
	case TypeDelete:
		result, err = t.delete(ctx, req)
	case TypeList:
		result, err = t.list(ctx, req)
	default:
		return nil, &ProtocolError{Code: CodeUnknownCommand, Message: fmt.Sprintf("unknown command %q", req.Type)}
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(result)
}

func (t *LocalTransport) get(ctx context.Context, req Request) (any, error) {
	resolution := 0
	if req.ResolutionMinutes != nil {
		resolution = *req.ResolutionMinutes
	}
	sched, created, err := t.svc.GetOrCreate(ctx, req.TimerID, resolution)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return nil, &ProtocolError{Code: CodeInvalidFormat, Message: verr.Error()}
		}
		log.Error().Err(err).Str("timer", req.TimerID).Msg("Error getting timer schedule")
		return nil, &ProtocolError{Code: CodeGetFailed, Message: "Failed to get timer: " + err.Error()}
	}
	return ScheduleResult{TimerID: req.TimerID, Schedule: sched, Created: created, Success: true}, nil
}

func (t *LocalTransport) set(ctx context.Context, req Request) (any, error) {
	u := Update{Entities: req.Entities, ResolutionMinutes: req.ResolutionMinutes}
	if req.Mask != nil {
		m := mask.Mask(*req.Mask)
		u.Mask = &m
	}

	sched, err := t.svc.Set(ctx, req.TimerID, u)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr) && errors.Is(err, mask.ErrMalformed):
			return nil, &ProtocolError{Code: CodeInvalidMask, Message: "Mask must contain only '0' and '1' characters"}
		case errors.As(err, &verr):
			return nil, &ProtocolError{Code: CodeInvalidFormat, Message: verr.Error()}
		}
		log.Error().Err(err).Str("timer", req.TimerID).Msg("Error setting timer schedule")
		return nil, &ProtocolError{Code: CodeSetFailed, Message: "Failed to set timer: " + err.Error()}
	}
	return ScheduleResult{TimerID: req.TimerID, Schedule: sched, Success: true}, nil
}

func (t *LocalTransport) delete(ctx context.Context, req Request) (any, error) {
	deleted, err := t.svc.Delete(ctx, req.TimerID)
	if err != nil {
		log.Error().Err(err).Str("timer", req.TimerID).Msg("Error deleting timer schedule")
		return nil, &ProtocolError{Code: CodeDeleteFailed, Message: "Failed to delete timer: " + err.Error()}
	}
	return DeleteResult{TimerID: req.TimerID, Deleted: deleted, Success: true}, nil
}

func (t *LocalTransport) list(ctx context.Context, req Request) (any, error) {
	entries := make(map[string]json.RawMessage)

	var err error
	if req.SummaryOnly {
		var summaries map[string]Summary
		if summaries, err = t.svc.Summaries(ctx); err == nil {
			for id, s := range summaries {
				if entries[id], err = json.Marshal(s); err != nil {
					break
				}
			}
		}
	} else {
		var all map[string]Schedule
		if all, err = t.svc.List(ctx); err == nil {
			for id, s := range all {
				if entries[id], err = json.Marshal(s); err != nil {
					break
				}
			}
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("Error listing timer schedules")
		return nil, &ProtocolError{Code: CodeListFailed, Message: "Failed to list timers: " + err.Error()}
	}

	return ListResult{Schedules: entries, Count: len(entries), Success: true}, nil
}

// SubscribeEvents delivers bus events of eventType as JSON payloads.
func (t *LocalTransport) SubscribeEvents(_ context.Context, eventType string, handler func(json.RawMessage)) (func(), error) {
	return t.bus.Subscribe(eventbus.EventType(eventType), func(e eventbus.Event) {
		data, err := json.Marshal(e.Data)
		if err != nil {
			log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to encode event payload")
			return
		}
		handler(data)
	}), nil
}
