package statebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"lockbox/internal/lockbox"
)

const redisTimeout = 5 * time.Second

// Redis publishes events on a Redis pub/sub channel.
type Redis struct {
	client *redis.Client
	topic  string
	hub    *hub

	once   sync.Once
	pubsub *redis.PubSub
	stop   context.CancelFunc
	done   chan struct{}
	err    error
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(addr, topic string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("statebus: ping redis %s: %w", addr, err)
	}
	return NewRedis(client, topic), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, topic string) *Redis {
	return &Redis{client: client, topic: topic, hub: newHub()}
}

func (r *Redis) Publish(ctx context.Context, e lockbox.Event) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.topic, data).Err(); err != nil {
		return fmt.Errorf("statebus: redis publish: %w", err)
	}
	r.hub.published.Add(1)
	return nil
}

// Subscribe starts the shared Redis subscription on first use.
func (r *Redis) Subscribe(ctx context.Context) (<-chan lockbox.Event, error) {
	r.once.Do(r.start)
	if r.err != nil {
		return nil, r.err
	}
	return r.hub.subscribe(ctx)
}

func (r *Redis) start() {
	ctx, stop := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, r.topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		stop()
		_ = pubsub.Close()
		r.err = fmt.Errorf("statebus: redis subscribe: %w", err)
		return
	}
	r.pubsub = pubsub
	r.stop = stop
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for msg := range pubsub.Channel() {
			e, err := decode([]byte(msg.Payload))
			if err != nil {
				r.hub.dropped.Add(1)
				continue
			}
			r.hub.deliver(e)
		}
	}()
}

func (r *Redis) Stats() Stats { return r.hub.stats() }

func (r *Redis) Close() error {
	r.once.Do(func() {})
	var err error
	if r.pubsub != nil {
		r.stop()
		err = r.pubsub.Close()
		<-r.done
	}
	r.hub.close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
