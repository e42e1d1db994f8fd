// Package control decides, per tick, whether controlled entities should be on
// and issues the commands needed to get them there.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/timer24d/internal/mask"
)

// Service call coordinates used for every command.
const (
	Domain         = "homeassistant"
	ServiceTurnOn  = "turn_on"
	ServiceTurnOff = "turn_off"
)

// Commander issues service calls to the home automation host.
type Commander interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// StateSource resolves an entity's reported state.
type StateSource interface {
	State(entityID string) (string, bool)
}

// CommandRecord describes one issued command for auditing.
type CommandRecord struct {
	PassID   string
	TimerID  string
	EntityID string
	Service  string
	At       time.Time
	Err      error
}

// Recorder receives every command the engine issues.
type Recorder interface {
	RecordCommand(rec CommandRecord)
}

// CommandError reports a service call the host rejected.
type CommandError struct {
	EntityID string
	Service  string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s.%s for %s failed: %v", Domain, e.Service, e.EntityID, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Input is the snapshot a single evaluation pass works from. Every entity in
// the pass sees the same Now and Present.
type Input struct {
	Now        time.Time // zero means the clock is not available yet
	Mask       mask.Mask
	Resolution int
	Present    bool
	Entities   []string
	States     StateSource
}

// Command is one service call issued during a pass.
type Command struct {
	EntityID string `json:"entity_id"`
	On       bool   `json:"on"`
	Err      error  `json:"-"`
}

// Decision is the outcome of a pass.
type Decision struct {
	PassID     string    `json:"pass_id"`
	At         time.Time `json:"at"`
	Status     Status    `json:"status"`
	Slot       int       `json:"slot"`
	SlotActive bool      `json:"slot_active"`
	Present    bool      `json:"present"`
	Desired    bool      `json:"desired"`
	Commands   []Command `json:"commands,omitempty"`
}

// Engine reconciles entity states against the schedule.
type Engine struct {
	timerID   string
	memory    *Memory
	commander Commander
	limiter   *rate.Limiter
	recorder  Recorder
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRecorder attaches a command recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithRateLimit paces command issuance; rps <= 0 disables pacing.
func WithRateLimit(rps float64) EngineOption {
	return func(e *Engine) {
		if rps <= 0 {
			e.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewEngine creates an engine for one timer.
func NewEngine(timerID string, memory *Memory, commander Commander, opts ...EngineOption) *Engine {
	e := &Engine{
		timerID:   timerID,
		memory:    memory,
		commander: commander,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Memory returns the engine's control memory.
func (e *Engine) Memory() *Memory {
	return e.memory
}

// Decide computes the status and desired state without issuing anything.
func Decide(in Input) (Decision, error) {
	d := Decision{At: in.Now, Present: in.Present, Slot: -1}
	if in.Now.IsZero() {
		d.Status = StatusNotReady
		return d, nil
	}

	if err := in.Mask.Check(in.Resolution); err != nil {
		return d, err
	}
	slot, err := mask.SlotAt(in.Now, in.Resolution)
	if err != nil {
		return d, err
	}
	active, err := in.Mask.Get(slot)
	if err != nil {
		return d, err
	}

	d.Slot = slot
	d.SlotActive = active
	d.Desired = in.Present && active
	d.Status = Classify(true, len(in.Entities) > 0, active, in.Present)
	return d, nil
}

// Evaluate runs one pass: decide, then command every entity whose reported
// state disagrees and that was not already sent the same command within the
// cool-down. Command failures are logged and recorded, not returned.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	d, err := Decide(in)
	if err != nil {
		return d, err
	}
	d.PassID = uuid.NewString()

	if d.Status == StatusNotReady || d.Status == StatusNoEntities {
		return d, nil
	}

	for _, entityID := range in.Entities {
		state, ok := in.States.State(entityID)
		if !ok {
			log.Debug().Str("timer", e.timerID).Str("entity", entityID).Msg("Entity not found, skipping")
			continue
		}

		reported := state == "on"
		if reported == d.Desired {
			continue
		}
		if last, ok := e.memory.Get(entityID); ok && last == d.Desired {
			continue
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return d, err
			}
		}

		cmd := e.issue(ctx, d.PassID, entityID, d.Desired)
		d.Commands = append(d.Commands, cmd)
	}

	return d, nil
}

func (e *Engine) issue(ctx context.Context, passID, entityID string, on bool) Command {
	service := ServiceTurnOff
	if on {
		service = ServiceTurnOn
	}

	err := e.commander.CallService(ctx, Domain, service, map[string]any{"entity_id": entityID})
	// Remembered even on failure so the retry waits for the cool-down.
	e.memory.Record(entityID, on)

	cmd := Command{EntityID: entityID, On: on}
	if err != nil {
		cmd.Err = &CommandError{EntityID: entityID, Service: service, Err: err}
		log.Error().
			Err(err).
			Str("timer", e.timerID).
			Str("entity", entityID).
			Str("service", service).
			Msg("Command failed")
	} else {
		log.Info().
			Str("timer", e.timerID).
			Str("entity", entityID).
			Str("service", service).
			Msg("Command issued")
	}

	if e.recorder != nil {
		e.recorder.RecordCommand(CommandRecord{
			PassID:   passID,
			TimerID:  e.timerID,
			EntityID: entityID,
			Service:  service,
			At:       time.Now(),
			Err:      cmd.Err,
		})
	}

	return cmd
}
