package domain

import (
	"context"
	"time"
)

// ExpiryTracker arms a precise close at an auction's end time. The periodic
// sweep remains the backstop, so implementations may be best-effort.
type ExpiryTracker interface {
	Track(auctionID string, endTime time.Time)
	Untrack(auctionID string)
}

type AuctionScheduler interface {
	ExpiryTracker
	Start(ctx context.Context) error
	Stop() error
}
