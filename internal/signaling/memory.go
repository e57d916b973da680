package signaling

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport with the same weak delivery
// semantics as Redis: fan-out to current subscribers only, slow subscribers
// drop messages instead of blocking the publisher. It backs tests and lets
// two agents in one process talk without a broker.
type MemoryTransport struct {
	mu          sync.Mutex
	subscribers map[string][]*memorySubscription
	store       map[string]memoryEntry
	closed      bool
	now         func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryTransport creates an empty in-memory transport
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subscribers: make(map[string][]*memorySubscription),
		store:       make(map[string]memoryEntry),
		now:         time.Now,
	}
}

func (t *MemoryTransport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	msg := make([]byte, len(payload))
	copy(msg, payload)

	for _, sub := range t.subscribers[channel] {
		select {
		case sub.ch <- msg:
		default:
			// At-most-once: a full subscriber loses the message.
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, channel string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	sub := &memorySubscription{
		transport: t,
		channel:   channel,
		ch:        make(chan []byte, 64),
	}
	t.subscribers[channel] = append(t.subscribers[channel], sub)
	return sub, nil
}

func (t *MemoryTransport) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = t.now().Add(ttl)
	}
	t.store[key] = entry
	return nil
}

func (t *MemoryTransport) Get(_ context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.store[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if !entry.expiresAt.IsZero() && t.now().After(entry.expiresAt) {
		delete(t.store, key)
		return nil, ErrKeyNotFound
	}

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (t *MemoryTransport) Delete(_ context.Context, keys ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		delete(t.store, key)
	}
	return nil
}

func (t *MemoryTransport) Keys(_ context.Context, pattern string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	matches := []string{}
	for key, entry := range t.store {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(t.store, key)
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, key)
		}
	}
	return matches, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for _, subs := range t.subscribers {
		for _, sub := range subs {
			sub.closeLocked()
		}
	}
	t.subscribers = make(map[string][]*memorySubscription)
	return nil
}

type memorySubscription struct {
	transport *MemoryTransport
	channel   string
	ch        chan []byte
	closed    bool
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()

	if s.closed {
		return nil
	}

	subs := s.transport.subscribers[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.transport.subscribers[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.closeLocked()
	return nil
}

// closeLocked requires the transport mutex to be held.
func (s *memorySubscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
