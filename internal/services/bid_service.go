package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"bidhub/internal/domain"
	"bidhub/pkg/money"
	"bidhub/pkg/utils"
)

type PlaceBidRequest struct {
	AuctionID string
	BidderID  string
	Amount    money.Amount
}

// BidResult is the outcome of a bid. Exactly one of Bid and Rejection is set.
// Auction is the snapshot the decision was made against, updated when the bid
// was accepted.
type BidResult struct {
	Accepted  bool
	Bid       *domain.Bid
	Rejection *domain.Rejection
	Auction   *domain.Auction
	Extended  bool
}

// PlaceBid validates and commits a bid. A rejected bid is returned as a
// result, not an error; errors are reserved for infrastructure failures and
// exhausted conflict retries.
func (e *AuctionEngine) PlaceBid(ctx context.Context, req PlaceBidRequest) (result *BidResult, err error) {
	ctx, span := e.tracer.Start(ctx, "AuctionEngine.PlaceBid", auctionAttr(req.AuctionID))
	defer func() { endSpan(span, err) }()

	started := time.Now()
	err = e.withAuctionLock(ctx, req.AuctionID, func(ctx context.Context) error {
		var lockedErr error
		result, lockedErr = e.placeBidLocked(ctx, req)
		return lockedErr
	})
	e.metrics.CommitDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		e.metrics.Bids.WithLabelValues("error").Inc()
		e.log.Error("Failed to place bid", "auction_id", req.AuctionID, "bidder_id", req.BidderID, "error", err)
		return nil, err
	}

	e.metrics.Bids.WithLabelValues(outcomeLabel(result.Rejection)).Inc()
	span.SetAttributes(attribute.Bool("bid.accepted", result.Accepted))

	if !result.Accepted {
		e.log.Debug("Bid rejected",
			"auction_id", req.AuctionID,
			"bidder_id", req.BidderID,
			"amount", req.Amount,
			"reason", result.Rejection.Reason,
		)
		return result, nil
	}

	e.log.Info("Bid accepted",
		"auction_id", req.AuctionID,
		"bidder_id", req.BidderID,
		"amount", req.Amount,
		"extended", result.Extended,
	)
	return result, nil
}

func (e *AuctionEngine) placeBidLocked(ctx context.Context, req PlaceBidRequest) (*BidResult, error) {
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		auction, err := e.store.Get(ctx, req.AuctionID)
		if err != nil {
			return nil, e.storeErr(err)
		}

		now := e.clock.Now()
		proposed := domain.ProposedBid{BidderID: req.BidderID, Amount: req.Amount}
		if rejection := ValidateBid(auction, proposed, now); rejection != nil {
			return &BidResult{Rejection: rejection, Auction: auction}, nil
		}

		bid := &domain.Bid{
			ID:         utils.GenerateID("bid"),
			AuctionID:  auction.ID,
			BidderID:   req.BidderID,
			Amount:     req.Amount,
			AcceptedAt: now,
		}

		extended := auction.InExtendWindow(now)
		newEndTime := auction.EndTime
		if extended {
			newEndTime = auction.EndTime.Add(auction.AutoExtendBy)
		}

		commit := domain.BidCommit{
			AuctionID:       auction.ID,
			ExpectedVersion: auction.Version,
			NewPrice:        req.Amount,
			LeaderID:        req.BidderID,
			NewEndTime:      newEndTime,
			UpdatedAt:       now,
		}

		err = e.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			if err := e.ledger.Append(ctx, bid); err != nil {
				return err
			}
			return e.store.CommitBid(ctx, commit)
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			e.metrics.VersionConflicts.Inc()
			e.log.Debug("Bid commit conflict, retrying", "auction_id", auction.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, e.storeErr(err)
		}

		leader := bid.BidderID
		updated := auction.Clone()
		updated.CurrentPrice = req.Amount
		updated.LeaderID = &leader
		updated.BidCount++
		updated.EndTime = newEndTime
		updated.Version++
		updated.UpdatedAt = now

		e.remember(ctx, updated)

		// Enqueued before the lock is released so events leave in commit order.
		event := snapshotEvent(domain.EventNewBid, updated, now)
		event.BidID = bid.ID
		event.BidderID = bid.BidderID
		event.Amount = bid.Amount
		event.Extended = extended
		event.TimeRemaining = timeRemaining(updated, now)
		e.publish(ctx, event)

		if extended {
			e.track(updated)
		}

		return &BidResult{Accepted: true, Bid: bid, Auction: updated, Extended: extended}, nil
	}

	e.log.Warn("Bid commit retries exhausted", "auction_id", req.AuctionID, "attempts", e.cfg.MaxAttempts)
	return nil, domain.ErrTryAgain
}
