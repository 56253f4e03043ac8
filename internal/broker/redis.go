package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Key layout. Message bodies live in a hash; the other structures hold ids.
//   ready    — list, LPUSH head / RPOP tail, so order is FIFO
//   delayed  — zset scored by due time
//   inflight — zset scored by lease deadline
//   msgs     — hash id → payload
const (
	keyReady    = "reelforge:queue:ready"
	keyDelayed  = "reelforge:queue:delayed"
	keyInflight = "reelforge:queue:inflight"
	keyMsgs     = "reelforge:queue:msgs"
)

// pollInterval bounds how long Receive sleeps between empty polls
const pollInterval = 500 * time.Millisecond

// RedisBroker implements Broker over a Redis instance
type RedisBroker struct {
	client     *redis.Client
	visibility time.Duration
	closed     chan struct{}
}

// NewRedisBroker connects to Redis and returns a broker with the given
// visibility timeout.
func NewRedisBroker(host, port, password string, visibility time.Duration) (*RedisBroker, error) {
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", host, port),
		Password:     password,
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: redis unreachable: %w", err)
	}

	return &RedisBroker{
		client:     client,
		visibility: visibility,
		closed:     make(chan struct{}),
	}, nil
}

// Enqueue appends a message, optionally delayed
func (b *RedisBroker) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	ctx, span := otel.Tracer("broker").Start(ctx, "broker.enqueue",
		trace.WithAttributes(
			attribute.String("queue.job_id", msg.JobID),
			attribute.Int64("queue.delay_ms", delay.Milliseconds()),
		),
	)
	defer span.End()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal message: %w", err)
	}
	id := uuid.New().String()

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, keyMsgs, id, payload)
	if delay > 0 {
		pipe.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.LPush(ctx, keyReady, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("broker: enqueue: %w", err)
	}
	return nil
}

// promote moves due delayed messages and expired leases back to ready.
// Runs at the top of every Receive poll; cheap when both sets are empty.
func (b *RedisBroker) promote(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())

	for _, key := range []string{keyDelayed, keyInflight} {
		ids, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: now,
		}).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			pipe := b.client.TxPipeline()
			pipe.ZRem(ctx, key, id)
			pipe.LPush(ctx, keyReady, id)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Receive blocks until a message is available or ctx is done
func (b *RedisBroker) Receive(ctx context.Context) (Delivery, error) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-b.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := b.promote(ctx); err != nil {
			return nil, fmt.Errorf("broker: promote: %w", err)
		}

		id, err := b.client.RPop(ctx, keyReady).Result()
		switch {
		case err == redis.Nil:
			// Empty queue; sleep one poll interval
			timer.Reset(pollInterval)
			select {
			case <-b.closed:
				return nil, ErrClosed
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
			continue
		case err != nil:
			return nil, fmt.Errorf("broker: pop: %w", err)
		}

		deadline := time.Now().Add(b.visibility)
		if err := b.client.ZAdd(ctx, keyInflight, redis.Z{
			Score:  float64(deadline.UnixMilli()),
			Member: id,
		}).Err(); err != nil {
			return nil, fmt.Errorf("broker: lease: %w", err)
		}

		payload, err := b.client.HGet(ctx, keyMsgs, id).Result()
		if err == redis.Nil {
			// Body already settled by a previous consumer; drop the lease
			b.client.ZRem(ctx, keyInflight, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("broker: fetch body: %w", err)
		}

		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			// Poison payload; settle it so it cannot loop forever
			b.settle(ctx, id)
			continue
		}

		return &redisDelivery{broker: b, id: id, msg: msg}, nil
	}
}

// Depth reports how many messages are ready for delivery
func (b *RedisBroker) Depth(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, keyReady).Result()
}

// settle removes every trace of a message
func (b *RedisBroker) settle(ctx context.Context, id string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, keyInflight, id)
	pipe.ZRem(ctx, keyDelayed, id)
	pipe.HDel(ctx, keyMsgs, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Close shuts the broker down
func (b *RedisBroker) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return b.client.Close()
}

// redisDelivery is one leased message
type redisDelivery struct {
	broker *RedisBroker
	id     string
	msg    Message
}

func (d *redisDelivery) Message() Message { return d.msg }

func (d *redisDelivery) Ack(ctx context.Context) error {
	return d.broker.settle(ctx, d.id)
}

func (d *redisDelivery) Nack(ctx context.Context, delay time.Duration) error {
	pipe := d.broker.client.TxPipeline()
	pipe.ZRem(ctx, keyInflight, d.id)
	if delay > 0 {
		pipe.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: d.id,
		})
	} else {
		pipe.LPush(ctx, keyReady, d.id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (d *redisDelivery) Extend(ctx context.Context, dur time.Duration) error {
	return d.broker.client.ZAdd(ctx, keyInflight, redis.Z{
		Score:  float64(time.Now().Add(dur).UnixMilli()),
		Member: d.id,
	}).Err()
}

var _ Broker = (*RedisBroker)(nil)
