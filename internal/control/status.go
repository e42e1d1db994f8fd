package control

// Status describes why entities are, or are not, being driven on.
type Status int

const (
	StatusNotReady Status = iota
	StatusNoEntities
	StatusTimeInactive
	StatusSensorsBlock
	StatusWillActivate
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusNotReady:
		return "not_ready"
	case StatusNoEntities:
		return "no_entities"
	case StatusTimeInactive:
		return "time_inactive"
	case StatusSensorsBlock:
		return "sensors_block"
	case StatusWillActivate:
		return "will_activate"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Classify picks the single status for a tick. Missing clock and missing
// entities come first since the remaining statuses are undefined without them.
func Classify(ready, hasEntities, slotActive, present bool) Status {
	switch {
	case !ready:
		return StatusNotReady
	case !hasEntities:
		return StatusNoEntities
	case !slotActive:
		return StatusTimeInactive
	case !present:
		return StatusSensorsBlock
	default:
		return StatusWillActivate
	}
}
