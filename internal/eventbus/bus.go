package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"firestige.xyz/streamrt/internal/log"
)

// EventBus is the in-process TaskEventDispatcher: a partitioned,
// ordered-per-key queue for fanning protocol events (determinant
// request/response, in-flight-log request) between tasks that share a
// process, without going through internal/protocol/kafkabus.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler) error
	Close() error
	GetStats() *Stats
}

// Stats reports queue depth and throughput for /metrics-adjacent
// introspection.
type Stats struct {
	PublishedCount int64
	ProcessedCount int64
	PartitionCount int
	QueuedCount    []int
}

// InMemoryEventBus is the default EventBus: partitionCount goroutines,
// each draining its own channel in order, so that every event for a
// given key (e.g. a CausalLogID's string form) is processed in the
// order it was published.
type InMemoryEventBus struct {
	partitions     []*partition
	partitionCount int
	queueSize      int
	subscribers    map[string]Handler
	mu             sync.RWMutex
	closed         int32

	publishedCount int64
	processedCount int64
}

// NewInMemoryEventBus creates a bus with partitionCount ordered workers,
// each buffering up to queueSize pending events.
func NewInMemoryEventBus(partitionCount, queueSize int) EventBus {
	bus := &InMemoryEventBus{
		partitionCount: partitionCount,
		queueSize:      queueSize,
		subscribers:    make(map[string]Handler),
		partitions:     make([]*partition, partitionCount),
	}

	for i := 0; i < partitionCount; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		bus.partitions[i] = &partition{
			id:     i,
			queue:  make(chan *Event, queueSize),
			ctx:    ctx,
			cancel: cancel,
		}
		go bus.runPartition(bus.partitions[i])
	}

	return bus
}

// Publish enqueues event onto the partition its Key hashes to,
// returning an error if the bus is closed or that partition's queue is
// full (callers are expected to retry or surface backpressure, not
// block the publisher goroutine).
func (b *InMemoryEventBus) Publish(event *Event) error {
	if atomic.LoadInt32(&b.closed) == 1 {
		return fmt.Errorf("event bus is closed")
	}

	partitionID := b.getPartitionID(event.Key)
	partition := b.partitions[partitionID]

	select {
	case partition.queue <- event:
		atomic.AddInt64(&b.publishedCount, 1)
		return nil
	default:
		return fmt.Errorf("partition %d queue is full", partitionID)
	}
}

// Subscribe registers handler for topic, applying it across every
// partition's worker.
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if atomic.LoadInt32(&b.closed) == 1 {
		return fmt.Errorf("event bus is closed")
	}

	b.subscribers[topic] = handler

	for _, partition := range b.partitions {
		partition.handler = b.getHandler
	}

	log.GetLogger().Infof("subscribed to topic: %s", topic)
	return nil
}

// Close idempotently cancels every partition worker.
func (b *InMemoryEventBus) Close() error {
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return nil
	}

	for _, partition := range b.partitions {
		partition.cancel()
		close(partition.queue)
	}

	log.GetLogger().Info("event bus closed")
	return nil
}

// GetStats snapshots publish/process counters and per-partition queue depth.
func (b *InMemoryEventBus) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: atomic.LoadInt64(&b.publishedCount),
		ProcessedCount: atomic.LoadInt64(&b.processedCount),
		PartitionCount: b.partitionCount,
		QueuedCount:    make([]int, b.partitionCount),
	}

	for i, partition := range b.partitions {
		stats.QueuedCount[i] = len(partition.queue)
	}

	return stats
}

// getPartitionID hashes key (e.g. a CausalLogID's string form) to a
// partition, so every event sharing a key is handled by the same
// worker in publish order.
func (b *InMemoryEventBus) getPartitionID(key string) int {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return int(hasher.Sum32()) % b.partitionCount
}

// getHandler dispatches event to its topic's subscriber, if any.
func (b *InMemoryEventBus) getHandler(event *Event) error {
	b.mu.RLock()
	handler, exists := b.subscribers[event.Topic]
	b.mu.RUnlock()

	if !exists {
		log.GetLogger().Debugf("no handler for topic: %s", event.Topic)
		return nil
	}

	return handler(event)
}

// runPartition is one ordered worker's consume loop.
func (b *InMemoryEventBus) runPartition(p *partition) {
	logger := log.GetLogger()
	logger.Infof("partition %d started", p.id)

	defer func() {
		logger.Infof("partition %d stopped", p.id)
	}()

	for {
		select {
		case <-p.ctx.Done():
			return

		case event, ok := <-p.queue:
			if !ok {
				return
			}

			if p.handler != nil {
				if err := p.handler(event); err != nil {
					logger.Errorf("failed to handle event in partition %d: %v", p.id, err)
				} else {
					atomic.AddInt64(&b.processedCount, 1)
				}
			}
		}
	}
}
