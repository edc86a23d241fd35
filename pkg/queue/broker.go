package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// PushOptions carries per-message delivery options.
type PushOptions struct {
	Priority int // > 0 jumps the line
}

// Broker is the external backend interface consumed by the JobQueue. A ping
// failure at startup triggers the in-memory fallback.
type Broker interface {
	Ping(ctx context.Context) error
	Push(ctx context.Context, queueName string, payload []byte, opts PushOptions) error
	Subscribe(ctx context.Context, queueName string, handler func(payload []byte)) error
	Close() error
}

// RedisBroker carries job ids over a Redis list. Producers LPUSH, the
// consumer BRPOPs, so the list behaves FIFO; elevated-priority messages are
// RPUSHed onto the consuming end instead.
type RedisBroker struct {
	client *redis.Client
	logger Logger
}

func NewRedisBroker(addr string, logger Logger) *RedisBroker {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisBroker{client: client, logger: logger}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(ErrQueueUnavailable, err.Error())
	}
	return nil
}

func (b *RedisBroker) Push(ctx context.Context, queueName string, payload []byte, opts PushOptions) error {
	var err error
	if opts.Priority > 0 {
		err = b.client.RPush(ctx, queueName, payload).Err()
	} else {
		err = b.client.LPush(ctx, queueName, payload).Err()
	}
	if err != nil {
		return errors.Wrap(ErrQueueUnavailable, err.Error())
	}
	return nil
}

// Subscribe starts a consumer goroutine that invokes handler once per
// message until ctx is cancelled.
func (b *RedisBroker) Subscribe(ctx context.Context, queueName string, handler func(payload []byte)) error {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			vals, err := b.client.BRPop(ctx, time.Second, queueName).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Errorf("Broker pop on %s failed: %v", queueName, err)
				time.Sleep(time.Second)
				continue
			}
			// BRPop returns [key, value].
			if len(vals) == 2 {
				handler([]byte(vals[1]))
			}
		}
	}()
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
