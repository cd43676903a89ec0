// Package queues is a thin redis-backed pub/sub wrapper. Its one user is
// internal/logstream, which, when a Provider is configured, publishes
// device log frames to a per-session topic so a forwarder on another
// replica can relay them (spec §4.10). The extended-test orchestrator does
// not use it. Grounded on the teacher's pkg/queues
// (Provider interface with Stop/Wait lifecycle, referenced from
// internal/api_server/server.go) using redis/go-redis/v9 as the backing
// transport named in its go.mod.
package queues

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Provider is the queue backend's lifecycle, matching the shape
// internal/api_server/server.go expects (`s.queuesProvider.Stop()` /
// `.Wait()` during graceful shutdown).
type Provider interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
	Stop()
	Wait()
}

type redisProvider struct {
	client *redis.Client
	wg     sync.WaitGroup
}

// NewRedisProvider connects to addr (host:port).
func NewRedisProvider(addr, password string, db int) (Provider, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("queues: connecting to redis: %w", err)
	}
	return &redisProvider{client: client}, nil
}

func (p *redisProvider) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.client.Publish(ctx, topic, payload).Err()
}

// Subscribe returns a channel of message payloads and an unsubscribe func.
// The returned channel is closed once unsubscribe is called or ctx is
// canceled.
func (p *redisProvider) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	sub := p.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("queues: subscribing to %s: %w", topic, err)
	}

	out := make(chan []byte, 64)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func (p *redisProvider) Stop() { _ = p.client.Close() }
func (p *redisProvider) Wait() { p.wg.Wait() }
