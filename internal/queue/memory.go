package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// MemoryBroker is an in-process stand-in for the Kafka transport with the
// same ordering semantics: keyed partitioning, per-partition FIFO delivery,
// and redelivery of uncommitted messages. Used by pipeline tests.
type MemoryBroker struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][][]*Message // topic -> partition -> log
	cond       *sync.Cond
	closed     bool
}

// NewMemoryBroker creates a broker with the given partition count.
func NewMemoryBroker(partitions int) *MemoryBroker {
	if partitions < 1 {
		partitions = 1
	}
	b := &MemoryBroker{
		partitions: partitions,
		topics:     make(map[string][][]*Message),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends a record to the partition selected by key hash.
func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	partition := int32(h.Sum32() % uint32(b.partitions))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrPublishFailed
	}
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make([][]*Message, b.partitions)
	}
	log := b.topics[topic]
	msg := &Message{
		Topic:     topic,
		Key:       key,
		Value:     append([]byte(nil), value...),
		Partition: partition,
		Offset:    int64(len(log[partition])),
	}
	log[partition] = append(log[partition], msg)
	b.cond.Broadcast()
	return nil
}

// Close rejects further publishes; consumers finish the backlog and stop.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// MemoryConsumer delivers a topic's partitions in order, committing only
// after the handler succeeds or fails permanently, mirroring the Kafka
// consumer's manual-commit model.
type MemoryConsumer struct {
	broker  *MemoryBroker
	topic   string
	handler Handler

	mu        sync.Mutex
	committed map[int32]int64 // partition -> next offset to deliver
}

// NewMemoryConsumer attaches a handler to a topic on the broker.
func NewMemoryConsumer(broker *MemoryBroker, topic string, handler Handler) *MemoryConsumer {
	return &MemoryConsumer{
		broker:    broker,
		topic:     topic,
		handler:   handler,
		committed: make(map[int32]int64),
	}
}

// Run delivers messages until ctx is cancelled or the broker closes.
func (c *MemoryConsumer) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		// Wake the condition wait on cancellation.
		select {
		case <-ctx.Done():
		case <-done:
		}
		c.broker.mu.Lock()
		c.broker.cond.Broadcast()
		c.broker.mu.Unlock()
	}()

	for {
		msg, ok := c.next(ctx)
		if !ok {
			return nil
		}
		err := deliverWithRetry(ctx, func(ctx context.Context) error {
			return c.handleOne(ctx, msg)
		})
		if err != nil && !IsPermanent(err) {
			return nil // cancelled mid-retry, offset stays uncommitted
		}
		c.mu.Lock()
		c.committed[msg.Partition] = msg.Offset + 1
		c.mu.Unlock()
	}
}

func (c *MemoryConsumer) next(ctx context.Context) (*Message, bool) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		if log, ok := c.broker.topics[c.topic]; ok {
			for p := int32(0); p < int32(c.broker.partitions); p++ {
				c.mu.Lock()
				next := c.committed[p]
				c.mu.Unlock()
				if next < int64(len(log[p])) {
					return log[p][next], true
				}
			}
		}
		// A closed broker still drains what was already published.
		if c.broker.closed {
			return nil, false
		}
		c.broker.cond.Wait()
	}
}

func (c *MemoryConsumer) handleOne(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	return c.handler(ctx, msg)
}
