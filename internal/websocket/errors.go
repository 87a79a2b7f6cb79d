package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timed out")
)

// Registry-related errors
var (
	ErrNilTransport  = errors.New("transport cannot be nil")
	ErrUnknownClient = errors.New("client is not registered")
	ErrHandshake     = errors.New("handshake failed")
)
