package types

import "errors"

// Validation errors surfaced at the router and handshake boundaries.
var (
	ErrMissingEventType  = errors.New("event type is required")
	ErrInvalidClientID   = errors.New("client ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidClientType = errors.New("client type must be student, instructor, or dashboard")
	ErrInvalidRoom       = errors.New("room must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrContentTooLarge   = errors.New("event content exceeds 64KB limit")
	ErrInvalidContent    = errors.New("event content is not valid JSON")
)
