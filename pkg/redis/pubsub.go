package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"frameworks/pkg/logging"
)

// TypedPubSub publishes and consumes JSON payloads of type T
type TypedPubSub[T any] struct {
	client goredis.UniversalClient
	logger logging.Logger
}

func NewTypedPubSub[T any](client goredis.UniversalClient, logger logging.Logger) *TypedPubSub[T] {
	return &TypedPubSub[T]{client: client, logger: logging.OrDiscard(logger)}
}

func (p *TypedPubSub[T]) Publish(ctx context.Context, channel string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}

	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}

	return nil
}

// ErrSubscriptionLost is passed to the done callback when redis closes the
// message stream without Close being called.
var ErrSubscriptionLost = errors.New("redis subscription lost")

// Subscription is a confirmed subscription to one channel
type Subscription struct {
	sub       *goredis.PubSub
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// Listen subscribes to channel and waits for redis to confirm it. handler is
// then called for every decodable payload from a single goroutine; payloads
// that fail to decode are logged and skipped. done, if set, is called once
// the stream ends: with nil after Close, ErrSubscriptionLost otherwise.
func (p *TypedPubSub[T]) Listen(ctx context.Context, channel string, handler func(T), done func(error)) (*Subscription, error) {
	sub := p.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to redis: %w", err)
	}

	s := &Subscription{sub: sub, closing: make(chan struct{}), done: make(chan struct{})}
	ch := sub.Channel()
	go func() {
		defer close(s.done)
		var cause error
		defer func() {
			if done != nil {
				done(cause)
			}
		}()
		for {
			select {
			case <-s.closing:
				return
			case msg, ok := <-ch:
				if !ok {
					select {
					case <-s.closing:
					default:
						cause = ErrSubscriptionLost
					}
					return
				}

				var payload T
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					p.logger.WithError(err).WithField("channel", channel).Warn("Failed to decode pubsub payload")
					continue
				}
				handler(payload)
			}
		}
	}()
	return s, nil
}

// Subscribe blocks delivering payloads until ctx ends or the stream is lost
func (p *TypedPubSub[T]) Subscribe(ctx context.Context, channel string, handler func(T)) error {
	lost := make(chan error, 1)
	s, err := p.Listen(ctx, channel, handler, func(err error) { lost <- err })
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-lost:
		_ = s.Close()
		return err
	}
}

// Close unsubscribes. It does not wait for an in-flight handler, so it is
// safe to call from one; use Done for that.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		err = s.sub.Close()
	})
	return err
}

// Done is closed once the handler goroutine has exited
func (s *Subscription) Done() <-chan struct{} { return s.done }
