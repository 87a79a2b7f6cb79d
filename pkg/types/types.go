package types

import (
	"time"
)

// Client types declared by observers at connect time.
const (
	ClientTypeStudent    = "student"
	ClientTypeInstructor = "instructor"
	ClientTypeDashboard  = "dashboard"
)

// DefaultRoom is the room assigned to connections that do not request one.
const DefaultRoom = "default"

// Domain event types accepted at the router boundary. Anything outside this
// set is handed to the router's default handler rather than rejected.
const (
	EventTypeCellExecution  = "cell_execution"
	EventTypeProgressUpdate = "progress_update"
	EventTypeHelpRequest    = "help_request"
	EventTypeRoomChange     = "room_change"
	EventTypePing           = "ping"
)

// System frame types sent to observers outside the domain event set.
const (
	FrameTypeConnected = "connected"
	FrameTypeSystem    = "system"
)

// Priority orders queued events during offline sync. Lower value syncs first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

// String returns the priority label used in status breakdowns.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Event is the inbound domain event envelope. Type is mandatory for routing;
// everything else is optional and event-type specific.
type Event struct {
	ID         string                 `json:"id,omitempty"`
	Type       string                 `json:"type"`
	UserID     string                 `json:"userId,omitempty"`
	Room       string                 `json:"room,omitempty"`
	NotebookID string                 `json:"notebookId,omitempty"`
	CellID     string                 `json:"cellId,omitempty"`
	Content    map[string]interface{} `json:"content,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}
