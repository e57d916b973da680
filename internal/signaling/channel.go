package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthshare/hearthcall/internal/pkg/logger"
	"github.com/hearthshare/hearthcall/internal/pkg/models"
)

const (
	// messageRetention bounds how long published messages survive in the
	// store. The bus is fire-and-forget; retained copies exist only for
	// debugging, never for replay.
	messageRetention = 10 * time.Minute

	defaultPresenceTTL = 45 * time.Second
)

// ChannelConfig identifies this member on the household bus
type ChannelConfig struct {
	Household   string
	UserID      string
	DisplayName string
	PresenceTTL time.Duration
}

// MessageHandler receives signaling messages addressed to this member
type MessageHandler func(msg models.SignalingMessage)

// PresenceHandler receives presence updates from other household members
type PresenceHandler func(rec models.PresenceRecord)

// Channel is one member's connection to the household signaling bus. Send
// stamps outgoing messages with sender and timestamp; Subscribe delivers
// only messages addressed to this member (directly or via broadcast) and
// never this member's own.
type Channel struct {
	transport Transport
	cfg       ChannelConfig
	log       *logger.Logger

	mu     sync.Mutex
	subs   []Subscription
	closed bool
	wg     sync.WaitGroup
}

// NewChannel creates a channel over an already connected transport
func NewChannel(t Transport, cfg ChannelConfig, log *logger.Logger) *Channel {
	if cfg.PresenceTTL == 0 {
		cfg.PresenceTTL = defaultPresenceTTL
	}
	return &Channel{
		transport: t,
		cfg:       cfg,
		log:       log.Component("Signaling"),
	}
}

func (c *Channel) signalChannel() string {
	return fmt.Sprintf("hc:%s:signal", c.cfg.Household)
}

func (c *Channel) presenceChannel() string {
	return fmt.Sprintf("hc:%s:presence", c.cfg.Household)
}

func (c *Channel) presenceKey(userID string) string {
	return fmt.Sprintf("hc:%s:presence:%s", c.cfg.Household, userID)
}

func (c *Channel) messageKey(id string) string {
	return fmt.Sprintf("hc:%s:msg:%s", c.cfg.Household, id)
}

// UserID returns the local member's identity
func (c *Channel) UserID() string { return c.cfg.UserID }

// DisplayName returns the local member's display name
func (c *Channel) DisplayName() string { return c.cfg.DisplayName }

// Send publishes a message on the household bus. The message is stamped
// with a fresh ID, this member as sender, and the current time. A retained
// copy is written with a short TTL so recent traffic can be inspected.
func (c *Channel) Send(ctx context.Context, msg models.SignalingMessage) error {
	if msg.To == "" {
		return fmt.Errorf("message %q has no recipient", msg.Type)
	}

	msg.ID = uuid.New().String()
	msg.From = c.cfg.UserID
	msg.Timestamp = time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %q message: %w", msg.Type, err)
	}

	if err := c.transport.Set(ctx, c.messageKey(msg.ID), data, messageRetention); err != nil {
		// Retention is best effort; the live publish is what matters.
		c.log.Warn("Failed to retain message copy", "id", msg.ID, "error", err)
	}

	if err := c.transport.Publish(ctx, c.signalChannel(), data); err != nil {
		return fmt.Errorf("publishing %q message: %w", msg.Type, err)
	}

	c.log.Debug("Message sent", "type", msg.Type, "to", msg.To, "id", msg.ID)
	return nil
}

// Subscribe starts delivering inbound messages to handler on a dedicated
// goroutine. Own messages are dropped, as are messages addressed to someone
// else; broadcasts pass through. Delivery stops when the channel closes.
func (c *Channel) Subscribe(ctx context.Context, handler MessageHandler) error {
	sub, err := c.transport.Subscribe(ctx, c.signalChannel())
	if err != nil {
		return fmt.Errorf("subscribing to signaling channel: %w", err)
	}
	if !c.track(sub) {
		sub.Close()
		return ErrTransportClosed
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for raw := range sub.Messages() {
			var msg models.SignalingMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.log.Warn("Dropping malformed message", "error", err)
				continue
			}
			if msg.From == c.cfg.UserID {
				continue
			}
			if msg.To != c.cfg.UserID && msg.To != models.BroadcastTarget {
				continue
			}
			handler(msg)
		}
	}()
	return nil
}

// SetPresence writes this member's presence record with a TTL and announces
// the change. The TTL makes presence self-healing: a crashed client's record
// simply expires.
func (c *Channel) SetPresence(ctx context.Context, status models.PresenceStatus) error {
	rec := models.PresenceRecord{
		UserID:      c.cfg.UserID,
		Status:      status,
		LastUpdated: time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding presence record: %w", err)
	}

	if err := c.transport.Set(ctx, c.presenceKey(c.cfg.UserID), data, c.cfg.PresenceTTL); err != nil {
		return fmt.Errorf("writing presence record: %w", err)
	}
	if err := c.transport.Publish(ctx, c.presenceChannel(), data); err != nil {
		return fmt.Errorf("announcing presence: %w", err)
	}
	return nil
}

// ClearPresence removes this member's presence record on clean shutdown
func (c *Channel) ClearPresence(ctx context.Context) error {
	return c.transport.Delete(ctx, c.presenceKey(c.cfg.UserID))
}

// SubscribePresence starts delivering other members' presence updates to
// handler. Own updates are filtered out.
func (c *Channel) SubscribePresence(ctx context.Context, handler PresenceHandler) error {
	sub, err := c.transport.Subscribe(ctx, c.presenceChannel())
	if err != nil {
		return fmt.Errorf("subscribing to presence channel: %w", err)
	}
	if !c.track(sub) {
		sub.Close()
		return ErrTransportClosed
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for raw := range sub.Messages() {
			var rec models.PresenceRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				c.log.Warn("Dropping malformed presence record", "error", err)
				continue
			}
			if rec.UserID == c.cfg.UserID {
				continue
			}
			handler(rec)
		}
	}()
	return nil
}

// Presences reads the current presence records of all household members,
// this member included.
func (c *Channel) Presences(ctx context.Context) ([]models.PresenceRecord, error) {
	keys, err := c.transport.Keys(ctx, c.presenceKey("*"))
	if err != nil {
		return nil, fmt.Errorf("listing presence records: %w", err)
	}

	records := make([]models.PresenceRecord, 0, len(keys))
	for _, key := range keys {
		data, err := c.transport.Get(ctx, key)
		if err != nil {
			// Expired between Keys and Get.
			continue
		}
		var rec models.PresenceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			c.log.Warn("Skipping malformed presence record", "key", key, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// track registers a subscription for shutdown; reports false if the channel
// is already closed.
func (c *Channel) track(sub Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subs = append(c.subs, sub)
	return true
}

// Close removes this member's presence record, stops all subscriptions and
// waits for handler goroutines to drain. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	// Best effort; an unreachable store lets the record's TTL expire it.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.ClearPresence(ctx); err != nil {
		c.log.Warn("Failed to clear presence on close", "error", err)
	}

	for _, sub := range subs {
		sub.Close()
	}
	c.wg.Wait()
	return nil
}
