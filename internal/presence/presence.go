// Package presence reduces home sensor states to a single "automation allowed" flag.
package presence

import (
	"fmt"
	"strings"
)

// Logic is how sensor results are combined.
type Logic string

const (
	LogicOR  Logic = "OR"
	LogicAND Logic = "AND"
)

// ParseLogic parses a home_logic option. Empty means OR.
func ParseLogic(s string) (Logic, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(LogicOR):
		return LogicOR, nil
	case string(LogicAND):
		return LogicAND, nil
	default:
		return "", fmt.Errorf("home_logic must be AND or OR, got %q", s)
	}
}

// Kind selects how a raw sensor state is read.
type Kind int

const (
	// KindNormal treats on/home/true/1/yes as present.
	KindNormal Kind = iota
	// KindInverted is for "restriction active" sensors: off means automation is allowed.
	KindInverted
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindInverted:
		return "inverted"
	default:
		return "unknown"
	}
}

var truthy = map[string]bool{
	"on":   true,
	"home": true,
	"true": true,
	"1":    true,
	"yes":  true,
}

// Truthy reduces a raw state to a boolean according to kind.
func (k Kind) Truthy(state string) bool {
	s := strings.ToLower(strings.TrimSpace(state))
	if k == KindInverted {
		return s == "off"
	}
	return truthy[s]
}

// KindTable maps sensor entity ids to their kind. Unlisted ids are KindNormal.
type KindTable map[string]Kind

// DefaultInverted lists sensors known to report "restriction active".
var DefaultInverted = []string{
	"binary_sensor.jewish_calendar_issur_melacha_in_effect",
}

// NewKindTable returns the default table extended with extra inverted sensors.
func NewKindTable(extraInverted ...string) KindTable {
	t := make(KindTable, len(DefaultInverted)+len(extraInverted))
	for _, id := range DefaultInverted {
		t[id] = KindInverted
	}
	for _, id := range extraInverted {
		t[id] = KindInverted
	}
	return t
}

// Kind returns the kind for a sensor.
func (t KindTable) Kind(entityID string) Kind {
	if k, ok := t[entityID]; ok {
		return k
	}
	return KindNormal
}

// Reading is one sensor sample. Found is false for unknown entities.
type Reading struct {
	EntityID string
	State    string
	Found    bool
	Kind     Kind
}

// Evaluate folds readings with logic. No readings at all means present.
// Unresolved readings are skipped: AND starts true, OR starts false.
func Evaluate(readings []Reading, logic Logic) bool {
	if len(readings) == 0 {
		return true
	}

	if logic == LogicAND {
		for _, r := range readings {
			if r.Found && !r.Kind.Truthy(r.State) {
				return false
			}
		}
		return true
	}

	for _, r := range readings {
		if r.Found && r.Kind.Truthy(r.State) {
			return true
		}
	}
	return false
}

// StateSource resolves an entity's current state.
type StateSource interface {
	State(entityID string) (string, bool)
}

// Evaluator resolves sensors against a StateSource and evaluates them.
type Evaluator struct {
	kinds KindTable
}

// NewEvaluator creates an evaluator using the given kind table.
func NewEvaluator(kinds KindTable) *Evaluator {
	if kinds == nil {
		kinds = NewKindTable()
	}
	return &Evaluator{kinds: kinds}
}

// Readings samples every sensor from src.
func (e *Evaluator) Readings(sensors []string, src StateSource) []Reading {
	readings := make([]Reading, 0, len(sensors))
	for _, id := range sensors {
		state, ok := src.State(id)
		readings = append(readings, Reading{
			EntityID: id,
			State:    state,
			Found:    ok,
			Kind:     e.kinds.Kind(id),
		})
	}
	return readings
}

// Evaluate computes presence for sensors from scratch.
func (e *Evaluator) Evaluate(sensors []string, logic Logic, src StateSource) bool {
	return Evaluate(e.Readings(sensors, src), logic)
}
