package queue

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// MemoryBus in-memory partitioned bus implementation. Each topic is a
// fixed set of buffered channels; a key always hashes to the same
// partition, which is what preserves per-entity ordering while
// allowing cross-entity parallelism.
type MemoryBus struct {
	config *MemoryBusConfig
	topics map[string][]chan *Envelope
	mu     sync.RWMutex
	closed bool
}

// MemoryBusConfig memory bus configuration
type MemoryBusConfig struct {
	Partitions     int           `json:"partitions"`
	BufferSize     int           `json:"buffer_size"`
	PublishTimeout time.Duration `json:"publish_timeout"`
}

// NewMemoryBus creates a new memory bus instance
func NewMemoryBus(config *MemoryBusConfig) *MemoryBus {
	if config == nil {
		config = &MemoryBusConfig{}
	}
	if config.Partitions <= 0 {
		config.Partitions = 4
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 30 * time.Second
	}

	return &MemoryBus{
		config: config,
		topics: make(map[string][]chan *Envelope),
	}
}

func (b *MemoryBus) partitionFor(key string, count int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(count))
}

func (b *MemoryBus) topic(name string) ([]chan *Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	parts, ok := b.topics[name]
	if !ok {
		parts = make([]chan *Envelope, b.config.Partitions)
		for i := range parts {
			parts[i] = make(chan *Envelope, b.config.BufferSize)
		}
		b.topics[name] = parts
	}
	return parts, nil
}

// Publish appends a message to the partition selected by key
func (b *MemoryBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	parts, err := b.topic(topic)
	if err != nil {
		return err
	}

	env := &Envelope{
		Key:         key,
		Value:       value,
		PublishedAt: time.Now().UTC(),
	}

	timer := time.NewTimer(b.config.PublishTimeout)
	defer timer.Stop()

	select {
	case parts[b.partitionFor(key, len(parts))] <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPublishTimeout
	}
}

// Consume blocks until a message is available on the given partition
func (b *MemoryBus) Consume(ctx context.Context, topic string, partition int) (*Envelope, error) {
	parts, err := b.topic(topic)
	if err != nil {
		return nil, err
	}
	if partition < 0 || partition >= len(parts) {
		return nil, ErrNoSuchPartition
	}

	select {
	case env, ok := <-parts[partition]:
		if !ok {
			return nil, ErrBusClosed
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Partitions reports the partition count of a topic
func (b *MemoryBus) Partitions(topic string) int {
	return b.config.Partitions
}

// Depth reports the number of buffered messages on a partition,
// exposed for queue-size metrics.
func (b *MemoryBus) Depth(topic string, partition int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	parts, ok := b.topics[topic]
	if !ok || partition < 0 || partition >= len(parts) {
		return 0
	}
	return len(parts[partition])
}

// Close closes the bus
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, parts := range b.topics {
		for _, ch := range parts {
			close(ch)
		}
	}
	b.topics = make(map[string][]chan *Envelope)
	return nil
}
