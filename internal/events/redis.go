package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wellness-planner/internal/logger"

	goredis "github.com/redis/go-redis/v9"
)

// RedisBus publishes plan events on a Redis channel so that other processes
// (the bot, dashboards) can follow plans generated elsewhere.
type RedisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	origin  string
}

// NewRedisBus connects to addr and verifies the connection with a ping.
// origin tags outgoing events and filters them out again in StartForwarder.
func NewRedisBus(addr, channel, origin string, log *logger.Logger) (*RedisBus, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("REDIS_ADDR environment variable not set")
	}
	if strings.TrimSpace(channel) == "" {
		channel = "planner-events"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newRedisBus(rdb, channel, origin, log), nil
}

func newRedisBus(rdb *goredis.Client, channel, origin string, log *logger.Logger) *RedisBus {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisBus{
		log:     log.With("component", "RedisBus"),
		rdb:     rdb,
		channel: channel,
		origin:  origin,
	}
}

// Emit publishes e as JSON.
func (b *RedisBus) Emit(ctx context.Context, e Event) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	if e.Origin == "" {
		e.Origin = b.origin
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", e.Name, err)
	}
	return nil
}

// StartForwarder subscribes to the channel and hands every event that did not
// originate here to onEvent until ctx is done.
func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(ctx context.Context, e Event)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				e, err := decodeEvent(m.Payload)
				if err != nil {
					b.log.Warn("bad redis event payload", "error", err)
					continue
				}
				if e.Origin != "" && e.Origin == b.origin {
					continue
				}
				onEvent(ctx, e)
			}
		}
	}()
	return nil
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

func decodeEvent(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, err
	}
	if e.Name == "" {
		return Event{}, fmt.Errorf("event without name")
	}
	return e, nil
}
