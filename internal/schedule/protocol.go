package schedule

import "encoding/json"

// Message types of the schedule store protocol.
const (
	TypeGet    = "timer_24h/get"
	TypeSet    = "timer_24h/set"
	TypeDelete = "timer_24h/delete"
	TypeList   = "timer_24h/list"
)

// Event types fired after a mutation.
const (
	EventUpdated = "timer_24h_schedule_updated"
	EventDeleted = "timer_24h_schedule_deleted"
)

// Error codes carried in failed responses.
const (
	CodeInvalidFormat  = "invalid_format"
	CodeInvalidMask    = "invalid_mask"
	CodeUnknownCommand = "unknown_command"
	CodeGetFailed      = "get_failed"
	CodeSetFailed      = "set_failed"
	CodeDeleteFailed   = "delete_failed"
	CodeListFailed     = "list_failed"
)

// Request is the union of every timer_24h/* request body.
type Request struct {
	Type              string    `json:"type"`
	TimerID           string    `json:"timer_id,omitempty"`
	Mask              *string   `json:"mask,omitempty"`
	Entities          *[]string `json:"entities,omitempty"`
	ResolutionMinutes *int      `json:"resolution_minutes,omitempty"`
	SummaryOnly       bool      `json:"summary_only,omitempty"`
}

// ScheduleResult answers get and set. Created is set when get had to create
// the schedule.
type ScheduleResult struct {
	TimerID  string   `json:"timer_id"`
	Schedule Schedule `json:"schedule"`
	Created  bool     `json:"created,omitempty"`
	Success  bool     `json:"success"`
}

// DeleteResult answers delete.
type DeleteResult struct {
	TimerID string `json:"timer_id"`
	Deleted bool   `json:"deleted"`
	Success bool   `json:"success"`
}

// ListResult answers list. Entries are a Schedule or a Summary depending on
// summary_only.
type ListResult struct {
	Schedules map[string]json.RawMessage `json:"schedules"`
	Count     int                        `json:"count"`
	Success   bool                       `json:"success"`
}

// UpdatedEvent is the payload of EventUpdated.
type UpdatedEvent struct {
	TimerID  string   `json:"timer_id"`
	Schedule Schedule `json:"schedule"`
}

// DeletedEvent is the payload of EventDeleted.
type DeletedEvent struct {
	TimerID string `json:"timer_id"`
}
