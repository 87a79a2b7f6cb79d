package types

import (
	"encoding/json"
	"regexp"
)

// Compiled once; identifier validation runs on every inbound frame.
var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Validate ensures the event is routable. Only the type field is mandatory;
// content is bounded to keep a single client from flooding the fan-out path.
func (e *Event) Validate() error {
	if e.Type == "" {
		return ErrMissingEventType
	}
	if e.Room != "" && !IsValidRoom(e.Room) {
		return ErrInvalidRoom
	}
	if e.Content != nil {
		contentBytes, err := json.Marshal(e.Content)
		if err != nil {
			return ErrInvalidContent
		}
		if len(contentBytes) > 65536 {
			return ErrContentTooLarge
		}
	}
	return nil
}

// IsValidClientID checks caller-supplied connection identifiers.
func IsValidClientID(clientID string) bool {
	if len(clientID) < 1 || len(clientID) > 50 {
		return false
	}
	return identifierRegex.MatchString(clientID)
}

// IsValidClientType checks declared observer roles.
func IsValidClientType(clientType string) bool {
	switch clientType {
	case ClientTypeStudent, ClientTypeInstructor, ClientTypeDashboard:
		return true
	default:
		return false
	}
}

// IsValidRoom checks room names used for scoped broadcasts.
func IsValidRoom(room string) bool {
	if len(room) < 1 || len(room) > 50 {
		return false
	}
	return identifierRegex.MatchString(room)
}

// IsDomainEventType reports whether the type belongs to the closed set of
// domain events with dedicated handlers.
func IsDomainEventType(eventType string) bool {
	switch eventType {
	case EventTypeCellExecution,
		EventTypeProgressUpdate,
		EventTypeHelpRequest,
		EventTypeRoomChange,
		EventTypePing:
		return true
	default:
		return false
	}
}
