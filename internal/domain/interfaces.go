package domain

import (
	"context"
	"time"

	"bidhub/pkg/money"
)

// AuctionStateStore holds authoritative auction records. Every mutation is
// guarded by the expected version and fails with ErrVersionConflict on mismatch.
type AuctionStateStore interface {
	Create(ctx context.Context, auction *Auction) error
	Get(ctx context.Context, auctionID string) (*Auction, error)
	CommitBid(ctx context.Context, commit BidCommit) error
	UpdateStatus(ctx context.Context, auctionID string, expectedVersion int64, status AuctionStatus) error
	CloseAuction(ctx context.Context, auctionID string, expectedVersion int64, winnerID *string) error
	// ListDue returns scheduled auctions whose start has passed and active
	// auctions ending at or before now+horizon.
	ListDue(ctx context.Context, now time.Time, horizon time.Duration) ([]*Auction, error)
}

// SnapshotCache holds read-side copies of auctions. Set must never replace a
// newer version with an older one.
type SnapshotCache interface {
	Get(ctx context.Context, auctionID string) (*Auction, error)
	Set(ctx context.Context, auction *Auction) error
	Invalidate(ctx context.Context, auctionID string) error
}

// BidLedger is the append-only record of accepted bids.
type BidLedger interface {
	Append(ctx context.Context, bid *Bid) error
	HighestBid(ctx context.Context, auctionID string) (*Bid, error)
	History(ctx context.Context, auctionID string) ([]*Bid, error)
}

// Transactor runs fn so that every store and ledger write inside it commits or
// rolls back together.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuctionLocker provides per-auction mutual exclusion.
type AuctionLocker interface {
	Lock(ctx context.Context, auctionID string) (unlock func(), err error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event *AuctionEvent) error
}

// BroadcastGateway is the room-based fan-out consumed by the engine and fed by
// the realtime transport.
type BroadcastGateway interface {
	EventPublisher
	RoomParticipantCount(auctionID string) int
	OnSubscribe(auctionID, userID string)
	OnUnsubscribe(auctionID, userID string)
	// CloseRoom disconnects every watcher of a finished auction.
	CloseRoom(auctionID string)
}

type EventSubscriber interface {
	SubscribeToAuctionEvents(ctx context.Context, handler EventHandler) error
}

type EventHandler func(event *AuctionEvent) error

// EventStream is a durable, replayable source of published events.
type EventStream interface {
	Consume(ctx context.Context, handler func(ctx context.Context, event *AuctionEvent) error) error
}

// EventLog stores events for audit. Append must be idempotent per event key.
type EventLog interface {
	Append(ctx context.Context, event *AuctionEvent) error
}

// IncrementPolicy supplies the default minimum increment for new auctions.
type IncrementPolicy interface {
	MinIncrementFor(startingPrice money.Amount) money.Amount
}

type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}

// Clock is injected so validation and expiry are deterministic in tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// WebSocket interfaces
type WebSocketConnection interface {
	Send(message interface{}) error
	Close() error
	UserID() string
	AuctionID() string
}
