// Package events fans committed marketplace events out to subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/nft-market/internal/model"
)

// Emitter receives events after the operation that produced them committed.
type Emitter interface {
	Emit(ctx context.Context, e model.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e model.Event) error

func (f EmitterFunc) Emit(ctx context.Context, e model.Event) error { return f(ctx, e) }

// Fanout delivers each event to every emitter, joining their errors.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, e model.Event) error {
	var errs []error
	for _, em := range f {
		if em == nil {
			continue
		}
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultChannel is the Redis channel events are published on.
const DefaultChannel = "market:events"

// RedisPublisher publishes events as JSON on a Redis Pub/Sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher; an empty channel means DefaultChannel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Emit(ctx context.Context, e model.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", e.Type, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", p.channel, err)
	}
	return nil
}

// Subscribe streams events published on the channel until ctx is done.
// The returned channel is closed when the subscription ends.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan model.Event, error) {
	pubsub := p.rdb.Subscribe(ctx, p.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("events: subscribe %s: %w", p.channel, err)
	}

	out := make(chan model.Event, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e model.Event
				if json.Unmarshal([]byte(msg.Payload), &e) != nil {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
