// Package broker abstracts the external pub/sub system behind named channels
// carrying opaque payloads. The redis implementation backs production; the
// memory implementation backs tests and single-process deployments.
package broker

import (
	"context"
	"errors"
)

// Common broker errors.
var (
	ErrClosed = errors.New("broker is closed")
)

// Publisher sends a payload to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber opens a stream of payloads from a named channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Broker combines both capabilities with lifecycle management.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// Subscription is a single channel stream. Receive blocks until a payload
// arrives or ctx expires; callers bound each receive with a poll timeout so
// cancellation checks happen at least once per interval.
type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
