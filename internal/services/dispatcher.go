package services

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"bidhub/internal/domain"
	"bidhub/internal/metrics"
	"bidhub/pkg/logger"
)

const defaultPublishTimeout = 5 * time.Second

var (
	ErrDispatchQueueFull = errors.New("event dispatch queue is full")
	ErrDispatcherStopped = errors.New("event dispatcher is stopped")
)

// EventDispatcher delivers events asynchronously. Events for one auction
// always land on the same worker, so they are published in the order they
// were enqueued. Enqueue never blocks: a full shard drops the event.
type EventDispatcher struct {
	next           domain.EventPublisher
	shards         []chan *domain.AuctionEvent
	publishTimeout time.Duration
	metrics        *metrics.Metrics
	log            logger.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewEventDispatcher(
	next domain.EventPublisher,
	workers int,
	queueSize int,
	publishTimeout time.Duration,
	m *metrics.Metrics,
	log logger.Logger,
) *EventDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	if m == nil {
		m = metrics.NewNop()
	}

	d := &EventDispatcher{
		next:           next,
		shards:         make([]chan *domain.AuctionEvent, workers),
		publishTimeout: publishTimeout,
		metrics:        m,
		log:            log,
	}

	for i := range d.shards {
		d.shards[i] = make(chan *domain.AuctionEvent, queueSize)
		d.wg.Add(1)
		go d.run(d.shards[i])
	}

	return d
}

// Publish enqueues the event. ctx is not used for delivery, which outlives
// the caller's request.
func (d *EventDispatcher) Publish(_ context.Context, event *domain.AuctionEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.shards[d.shardFor(event.AuctionID)] <- event:
		return nil
	default:
		d.metrics.EventsDropped.Inc()
		return ErrDispatchQueueFull
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *EventDispatcher) shardFor(auctionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(auctionID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *EventDispatcher) run(events <-chan *domain.AuctionEvent) {
	defer d.wg.Done()

	for event := range events {
		d.deliver(event)
	}
}

func (d *EventDispatcher) deliver(event *domain.AuctionEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Panic while publishing event", "auction_id", event.AuctionID, "type", event.Type, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
	defer cancel()

	if err := d.next.Publish(ctx, event); err != nil {
		d.log.Error("Failed to publish event", "auction_id", event.AuctionID, "type", event.Type, "error", err)
	}
}
