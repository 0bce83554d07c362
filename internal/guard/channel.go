package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisChannel broadcasts lock messages over Redis Pub/Sub, so instances on
// different server replicas see each other.
type RedisChannel struct {
	rdb  *redis.Client
	name string
	log  zerolog.Logger
}

// NewRedisChannel creates a channel bound to a Pub/Sub channel name.
func NewRedisChannel(rdb *redis.Client, name string, log zerolog.Logger) *RedisChannel {
	return &RedisChannel{
		rdb:  rdb,
		name: name,
		log:  log.With().Str("component", "lock_channel").Str("channel", name).Logger(),
	}
}

// Publish implements Channel.
func (c *RedisChannel) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, c.name, payload).Err()
}

// Subscribe implements Channel. It returns once the subscription is confirmed
// so that a ping published right after cannot race past the subscriber.
func (c *RedisChannel) Subscribe(ctx context.Context) (<-chan Message, func(), error) {
	pubsub := c.rdb.Subscribe(ctx, c.name)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("confirm subscription: %w", err)
	}

	out := make(chan Message, 8)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for raw := range pubsub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				c.log.Warn().Err(err).Msg("Discarding malformed lock message")
				continue
			}
			select {
			case out <- msg:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, closeFn, nil
}

// Hub is an in-process broadcast medium for single-replica deployments and tests.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Message]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Message]struct{})}
}

// Channel returns a handle on a named hub channel.
func (h *Hub) Channel(name string) *HubChannel {
	return &HubChannel{hub: h, name: name}
}

// HubChannel is a Channel backed by a Hub.
type HubChannel struct {
	hub  *Hub
	name string
}

// Publish implements Channel. Slow subscribers drop messages instead of blocking the publisher.
func (c *HubChannel) Publish(_ context.Context, msg Message) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	for sub := range c.hub.subs[c.name] {
		select {
		case sub <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements Channel.
func (c *HubChannel) Subscribe(_ context.Context) (<-chan Message, func(), error) {
	sub := make(chan Message, 8)

	c.hub.mu.Lock()
	if c.hub.subs[c.name] == nil {
		c.hub.subs[c.name] = make(map[chan Message]struct{})
	}
	c.hub.subs[c.name][sub] = struct{}{}
	c.hub.mu.Unlock()

	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			c.hub.mu.Lock()
			delete(c.hub.subs[c.name], sub)
			if len(c.hub.subs[c.name]) == 0 {
				delete(c.hub.subs, c.name)
			}
			c.hub.mu.Unlock()
			close(sub)
		})
	}
	return sub, closeFn, nil
}
