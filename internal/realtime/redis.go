package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisChannel is the pub/sub channel every node publishes changes on.
const RedisChannel = "listing-chat:messages"

// RedisTransport fans changes out across server instances through Redis
// pub/sub. Each subscription holds its own PubSub connection and filters
// locally.
type RedisTransport struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisTransport(client *redis.Client, log zerolog.Logger) *RedisTransport {
	return &RedisTransport{client: client, channel: RedisChannel, log: log}
}

func (t *RedisTransport) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	ps := t.client.Subscribe(ctx, t.channel)
	// Wait for the subscription to be confirmed before handing it out.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	loop, cancel := context.WithCancel(context.Background())
	sub := newSubscription(f, func() {
		cancel()
		ps.Close()
	})

	go func() {
		ch := ps.ChannelWithSubscriptions()
		for {
			select {
			case <-loop.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					if loop.Err() == nil {
						sub.fail(ErrClosed)
					}
					return
				}
				if !t.handle(sub, msg) {
					ps.Close()
					return
				}
			}
		}
	}()
	return sub, nil
}

// handle applies one pub/sub delivery to sub and reports whether to keep
// reading. go-redis resubscribes on its own after a dropped connection; the
// fresh confirmation it sends ends sub so the caller reloads.
func (t *RedisTransport) handle(sub *Subscription, msg any) bool {
	switch m := msg.(type) {
	case *redis.Subscription:
		if m.Kind == "subscribe" {
			t.log.Warn().Str("channel", m.Channel).Msg("redis pub/sub reconnected")
			sub.fail(ErrReconnected)
			return false
		}
	case *redis.Message:
		var c Change
		if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
			t.log.Warn().Err(err).Msg("dropping malformed change")
			return true
		}
		return sub.deliver(c)
	}
	return true
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
