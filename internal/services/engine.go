package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bidhub/internal/domain"
	"bidhub/internal/metrics"
	"bidhub/pkg/logger"
	"bidhub/pkg/utils"
)

const tracerName = "bidhub/internal/services"

type EngineConfig struct {
	MaxAttempts         int
	LockTimeout         time.Duration
	DefaultExtendWindow time.Duration
	DefaultExtendBy     time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxAttempts:         3,
		LockTimeout:         2 * time.Second,
		DefaultExtendWindow: 5 * time.Minute,
		DefaultExtendBy:     5 * time.Minute,
	}
}

// AuctionEngine owns every mutation of an auction. Bids, starts, cancels and
// closes for one auction run under that auction's lock and commit with a
// version check, so they are linearizable per auction while different
// auctions proceed in parallel.
type AuctionEngine struct {
	store     domain.AuctionStateStore
	cache     domain.SnapshotCache
	ledger    domain.BidLedger
	tx        domain.Transactor
	locker    domain.AuctionLocker
	publisher domain.EventPublisher
	policy    domain.IncrementPolicy
	tracker   domain.ExpiryTracker
	clock     domain.Clock
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	cfg       EngineConfig
	log       logger.Logger
}

func NewAuctionEngine(
	store domain.AuctionStateStore,
	ledger domain.BidLedger,
	tx domain.Transactor,
	locker domain.AuctionLocker,
	publisher domain.EventPublisher,
	policy domain.IncrementPolicy,
	clock domain.Clock,
	m *metrics.Metrics,
	cfg EngineConfig,
	log logger.Logger,
) *AuctionEngine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultEngineConfig().MaxAttempts
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if m == nil {
		m = metrics.NewNop()
	}

	return &AuctionEngine{
		store:     store,
		ledger:    ledger,
		tx:        tx,
		locker:    locker,
		publisher: publisher,
		policy:    policy,
		clock:     clock,
		metrics:   m,
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
		log:       log,
	}
}

// SetExpiryTracker wires the scheduler after construction; the scheduler
// itself depends on the engine.
func (e *AuctionEngine) SetExpiryTracker(tracker domain.ExpiryTracker) {
	e.tracker = tracker
}

// SetSnapshotCache routes the public read paths through cache. Mutations
// always read the authoritative store and refresh the cache afterwards.
func (e *AuctionEngine) SetSnapshotCache(cache domain.SnapshotCache) {
	e.cache = cache
}

func (e *AuctionEngine) Auction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	if e.cache != nil {
		cached, err := e.cache.Get(ctx, auctionID)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, domain.ErrCacheMiss) {
			e.log.Warn("Snapshot cache read failed", "auction_id", auctionID, "error", err)
		}
	}

	auction, err := e.store.Get(ctx, auctionID)
	if err != nil {
		return nil, e.storeErr(err)
	}
	e.remember(ctx, auction)
	return auction, nil
}

func (e *AuctionEngine) History(ctx context.Context, auctionID string) ([]*domain.Bid, error) {
	if _, err := e.Auction(ctx, auctionID); err != nil {
		return nil, err
	}

	bids, err := e.ledger.History(ctx, auctionID)
	if err != nil {
		return nil, e.storeErr(err)
	}
	return bids, nil
}

// withAuctionLock runs fn while holding the auction's lock.
func (e *AuctionEngine) withAuctionLock(ctx context.Context, auctionID string, fn func(ctx context.Context) error) error {
	lockCtx := ctx
	if e.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, e.cfg.LockTimeout)
		defer cancel()
	}

	unlock, err := e.locker.Lock(lockCtx, auctionID)
	if err != nil {
		if errors.Is(err, domain.ErrLockTimeout) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	defer unlock()

	return fn(ctx)
}

// storeErr keeps domain sentinels intact and marks anything else from the
// persistence layer as retryable.
func (e *AuctionEngine) storeErr(err error) error {
	switch {
	case errors.Is(err, domain.ErrAuctionNotFound),
		errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotDue),
		errors.Is(err, domain.ErrInvalidAuction),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

// publish hands the event to the dispatcher. Delivery problems never reach
// the caller.
func (e *AuctionEngine) publish(ctx context.Context, event *domain.AuctionEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.log.Warn("Failed to enqueue auction event", "auction_id", event.AuctionID, "type", event.Type, "error", err)
	}
}

// remember refreshes the read-side snapshot. Cache failures only cost a
// later cache miss.
func (e *AuctionEngine) remember(ctx context.Context, auction *domain.Auction) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, auction); err != nil {
		e.log.Warn("Snapshot cache write failed", "auction_id", auction.ID, "error", err)
	}
}

func (e *AuctionEngine) track(auction *domain.Auction) {
	// scheduled auctions are armed by StartAuction
	if e.tracker != nil && auction.Status == domain.AuctionActive {
		e.tracker.Track(auction.ID, auction.EndTime)
	}
}

func (e *AuctionEngine) untrack(auctionID string) {
	if e.tracker != nil {
		e.tracker.Untrack(auctionID)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func auctionAttr(auctionID string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("auction.id", auctionID))
}

func newEvent(eventType domain.EventType, auctionID string, now time.Time) *domain.AuctionEvent {
	return &domain.AuctionEvent{
		ID:         utils.GenerateID("evt"),
		Type:       eventType,
		AuctionID:  auctionID,
		OccurredAt: now,
	}
}

func snapshotEvent(eventType domain.EventType, auction *domain.Auction, now time.Time) *domain.AuctionEvent {
	endTime := auction.EndTime
	event := newEvent(eventType, auction.ID, now)
	event.CurrentPrice = auction.CurrentPrice
	event.MinimumNextBid = MinimumNextBid(auction)
	event.EndTime = &endTime
	return event
}

func timeRemaining(auction *domain.Auction, now time.Time) time.Duration {
	if d := auction.EndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

func outcomeLabel(rejection *domain.Rejection) string {
	if rejection == nil {
		return "accepted"
	}
	return string(rejection.Reason)
}
