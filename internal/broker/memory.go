package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process Broker with the same visibility semantics
// as the Redis implementation. Tests and single-process development use it.
type MemoryBroker struct {
	mu         sync.Mutex
	ready      []*memMessage // FIFO: append at tail, pop from head
	delayed    map[string]*memMessage
	inflight   map[string]*memMessage
	visibility time.Duration
	notify     chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

type memMessage struct {
	id       string
	msg      Message
	dueAt    time.Time // for delayed messages
	leasedAt time.Time
	deadline time.Time // lease expiry for inflight messages
}

// NewMemoryBroker creates an in-memory broker
func NewMemoryBroker(visibility time.Duration) *MemoryBroker {
	return &MemoryBroker{
		delayed:    make(map[string]*memMessage),
		inflight:   make(map[string]*memMessage),
		visibility: visibility,
		notify:     make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

// Enqueue appends a message, optionally delayed
func (b *MemoryBroker) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	b.mu.Lock()
	m := &memMessage{id: uuid.New().String(), msg: msg}
	if delay > 0 {
		m.dueAt = time.Now().Add(delay)
		b.delayed[m.id] = m
	} else {
		b.ready = append(b.ready, m)
	}
	b.mu.Unlock()

	b.wake()
	return nil
}

// wake nudges one blocked Receive
func (b *MemoryBroker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// promote moves due delayed messages and expired leases back to ready.
// Caller holds b.mu.
func (b *MemoryBroker) promoteLocked(now time.Time) {
	for id, m := range b.delayed {
		if !m.dueAt.After(now) {
			delete(b.delayed, id)
			b.ready = append(b.ready, m)
		}
	}
	for id, m := range b.inflight {
		if !m.deadline.After(now) {
			delete(b.inflight, id)
			b.ready = append(b.ready, m)
		}
	}
}

// Receive blocks until a message is available or ctx is done
func (b *MemoryBroker) Receive(ctx context.Context) (Delivery, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		b.mu.Lock()
		b.promoteLocked(time.Now())
		if len(b.ready) > 0 {
			m := b.ready[0]
			b.ready = b.ready[1:]
			m.leasedAt = time.Now()
			m.deadline = m.leasedAt.Add(b.visibility)
			b.inflight[m.id] = m
			b.mu.Unlock()
			return &memDelivery{broker: b, m: m}, nil
		}
		b.mu.Unlock()

		select {
		case <-b.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		case <-ticker.C:
		}
	}
}

// Depth reports how many messages are ready for delivery
func (b *MemoryBroker) Depth(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked(time.Now())
	return int64(len(b.ready)), nil
}

// Close shuts the broker down
func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

type memDelivery struct {
	broker *MemoryBroker
	m      *memMessage
}

func (d *memDelivery) Message() Message { return d.m.msg }

func (d *memDelivery) Ack(ctx context.Context) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	delete(d.broker.inflight, d.m.id)
	return nil
}

func (d *memDelivery) Nack(ctx context.Context, delay time.Duration) error {
	d.broker.mu.Lock()
	if _, ok := d.broker.inflight[d.m.id]; ok {
		delete(d.broker.inflight, d.m.id)
		if delay > 0 {
			d.m.dueAt = time.Now().Add(delay)
			d.broker.delayed[d.m.id] = d.m
		} else {
			d.broker.ready = append(d.broker.ready, d.m)
		}
	}
	d.broker.mu.Unlock()

	d.broker.wake()
	return nil
}

func (d *memDelivery) Extend(ctx context.Context, dur time.Duration) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if m, ok := d.broker.inflight[d.m.id]; ok {
		m.deadline = time.Now().Add(dur)
	}
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
