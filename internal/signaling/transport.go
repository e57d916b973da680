// Package signaling moves session descriptions, ICE candidates, call
// control messages, and presence between household members through a shared
// store. Delivery is intentionally weak: unordered, at most once per
// subscriber, no replay for late joiners. Everything above this package is
// written to tolerate duplicate-free loss rather than to expect reliability.
package signaling

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Transport.Get for missing or expired keys.
var ErrKeyNotFound = errors.New("key not found")

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Subscription is a live fan-out stream for one channel. Messages is closed
// after Close returns or when the transport shuts down.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Transport is the shared-store primitive the channel is built on: publish/
// subscribe fan-out plus last-writer-wins keys with expiry. The production
// implementation is Redis; tests use the in-memory one.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	Close() error
}
