// Package pubsub carries JSON messages over Redis channels.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func Publish(ctx context.Context, client *redis.Client, channel string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", channel, err)
	}
	if err := client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscription delivers the payloads of one channel, in order, on a single
// goroutine.
type Subscription struct {
	channel string
	ps      *redis.PubSub
	done    chan struct{}
}

// Subscribe returns once Redis has confirmed the subscription. handle is
// never called after Close returns.
func Subscribe(ctx context.Context, client *redis.Client, channel string, handle func(payload []byte)) (*Subscription, error) {
	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &Subscription{channel: channel, ps: ps, done: make(chan struct{})}
	messages := ps.Channel()
	go func() {
		defer close(sub.done)
		for msg := range messages {
			handle([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

// Close unsubscribes and waits for the delivery goroutine, or for ctx.
func (s *Subscription) Close(ctx context.Context) error {
	err := s.ps.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("close %s subscription: %w", s.channel, err)
	}
	return nil
}

// Decode unmarshals payload into a new T.
func Decode[T any](payload []byte) (T, error) {
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		return value, fmt.Errorf("decode message: %w", err)
	}
	return value, nil
}
