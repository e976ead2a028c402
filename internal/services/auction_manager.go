package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bidhub/internal/domain"
	"bidhub/pkg/money"
	"bidhub/pkg/utils"
)

type CreateAuctionParams struct {
	ProductID     string
	SellerID      string
	StartingPrice money.Amount
	// MinIncrement falls back to the increment policy when zero.
	MinIncrement money.Amount
	ReservePrice money.Amount
	StartTime    time.Time
	EndTime      time.Time
	// Zero durations take the engine defaults unless DisableAutoExtend is set.
	AutoExtendWindow  time.Duration
	AutoExtendBy      time.Duration
	DisableAutoExtend bool
}

func (p CreateAuctionParams) validate(now time.Time) error {
	var problems []string

	if strings.TrimSpace(p.ProductID) == "" {
		problems = append(problems, "product id is required")
	}
	if strings.TrimSpace(p.SellerID) == "" {
		problems = append(problems, "seller id is required")
	}
	if !p.StartingPrice.IsPositive() {
		problems = append(problems, "starting price must be positive")
	}
	if p.MinIncrement < 0 {
		problems = append(problems, "minimum increment cannot be negative")
	}
	if p.ReservePrice < 0 {
		problems = append(problems, "reserve price cannot be negative")
	}
	if p.StartingPrice.Add(p.MinIncrement) > money.MaxAmount {
		problems = append(problems, fmt.Sprintf("starting price plus increment cannot exceed %s", money.MaxAmount))
	}
	if p.ReservePrice > money.MaxAmount {
		problems = append(problems, fmt.Sprintf("reserve price cannot exceed %s", money.MaxAmount))
	}
	if p.AutoExtendWindow < 0 || p.AutoExtendBy < 0 {
		problems = append(problems, "auto extend durations cannot be negative")
	}
	if p.StartTime.IsZero() || p.EndTime.IsZero() {
		problems = append(problems, "start and end time are required")
	} else {
		if !p.EndTime.After(p.StartTime) {
			problems = append(problems, "end time must be after start time")
		}
		if !p.EndTime.After(now) {
			problems = append(problems, "end time must be in the future")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidAuction, strings.Join(problems, "; "))
	}
	return nil
}

type CloseResult struct {
	Auction    *domain.Auction
	WinningBid *domain.Bid
	// HighestBid is set whenever bids exist, even if the reserve was not met.
	HighestBid    *domain.Bid
	ReserveMet    bool
	AlreadyClosed bool
}

func (e *AuctionEngine) CreateAuction(ctx context.Context, params CreateAuctionParams) (*domain.Auction, error) {
	now := e.clock.Now()
	if err := params.validate(now); err != nil {
		return nil, err
	}

	increment := params.MinIncrement
	if increment == 0 && e.policy != nil {
		increment = e.policy.MinIncrementFor(params.StartingPrice)
	}
	if !increment.IsPositive() {
		return nil, fmt.Errorf("%w: minimum increment must be positive", domain.ErrInvalidAuction)
	}

	window, by := params.AutoExtendWindow, params.AutoExtendBy
	switch {
	case params.DisableAutoExtend:
		window, by = 0, 0
	default:
		if window == 0 {
			window = e.cfg.DefaultExtendWindow
		}
		if by == 0 {
			by = e.cfg.DefaultExtendBy
		}
	}

	status := domain.AuctionScheduled
	if !params.StartTime.After(now) {
		status = domain.AuctionActive
	}

	auction := &domain.Auction{
		ID:               utils.GenerateID("auction"),
		ProductID:        params.ProductID,
		SellerID:         params.SellerID,
		StartingPrice:    params.StartingPrice,
		CurrentPrice:     params.StartingPrice,
		MinIncrement:     increment,
		ReservePrice:     params.ReservePrice,
		StartTime:        params.StartTime.UTC(),
		EndTime:          params.EndTime.UTC(),
		Status:           status,
		AutoExtendWindow: window,
		AutoExtendBy:     by,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := e.store.Create(ctx, auction); err != nil {
		return nil, e.storeErr(err)
	}

	e.log.Info("Auction created",
		"auction_id", auction.ID,
		"status", auction.Status,
		"starting_price", auction.StartingPrice,
		"min_increment", auction.MinIncrement,
		"end_time", auction.EndTime,
	)

	e.remember(ctx, auction)
	if status == domain.AuctionActive {
		e.publish(ctx, snapshotEvent(domain.EventAuctionStarted, auction, now))
	}
	e.track(auction)

	return auction.Clone(), nil
}

// StartAuction activates a scheduled auction once its start time has passed.
// Starting an already active auction is a no-op.
func (e *AuctionEngine) StartAuction(ctx context.Context, auctionID string) (auction *domain.Auction, err error) {
	ctx, span := e.tracer.Start(ctx, "AuctionEngine.StartAuction", auctionAttr(auctionID))
	defer func() { endSpan(span, err) }()

	err = e.withAuctionLock(ctx, auctionID, func(ctx context.Context) error {
		var lockedErr error
		auction, lockedErr = e.transition(ctx, auctionID, domain.AuctionActive, func(a *domain.Auction, now time.Time) (bool, error) {
			switch {
			case a.Status == domain.AuctionActive:
				return false, nil
			case a.Status != domain.AuctionScheduled:
				return false, fmt.Errorf("%w: cannot start %s auction", domain.ErrInvalidTransition, a.Status)
			case now.Before(a.StartTime):
				return false, fmt.Errorf("%w: starts at %s", domain.ErrNotDue, a.StartTime.Format(time.RFC3339))
			}
			return true, nil
		})
		return lockedErr
	})
	if err != nil {
		return nil, err
	}
	return auction, nil
}

// CancelAuction withdraws a scheduled or active auction. Terminal auctions
// cannot be cancelled.
func (e *AuctionEngine) CancelAuction(ctx context.Context, auctionID string) (auction *domain.Auction, err error) {
	ctx, span := e.tracer.Start(ctx, "AuctionEngine.CancelAuction", auctionAttr(auctionID))
	defer func() { endSpan(span, err) }()

	err = e.withAuctionLock(ctx, auctionID, func(ctx context.Context) error {
		var lockedErr error
		auction, lockedErr = e.transition(ctx, auctionID, domain.AuctionCancelled, func(a *domain.Auction, _ time.Time) (bool, error) {
			if a.Status.IsTerminal() {
				return false, fmt.Errorf("%w: auction already %s", domain.ErrInvalidTransition, a.Status)
			}
			return true, nil
		})
		return lockedErr
	})
	if err != nil {
		return nil, err
	}
	return auction, nil
}

// transition applies a status change guarded by check. check returning false
// without an error means the auction is already where it should be.
func (e *AuctionEngine) transition(
	ctx context.Context,
	auctionID string,
	to domain.AuctionStatus,
	check func(a *domain.Auction, now time.Time) (bool, error),
) (*domain.Auction, error) {
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		auction, err := e.store.Get(ctx, auctionID)
		if err != nil {
			return nil, e.storeErr(err)
		}

		now := e.clock.Now()
		apply, err := check(auction, now)
		if err != nil {
			return nil, err
		}
		if !apply {
			return auction, nil
		}

		err = e.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			return e.store.UpdateStatus(ctx, auctionID, auction.Version, to)
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			e.metrics.VersionConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, e.storeErr(err)
		}

		updated := auction.Clone()
		updated.Status = to
		updated.Version++
		updated.UpdatedAt = now

		e.remember(ctx, updated)
		e.log.Info("Auction status changed", "auction_id", auctionID, "from", auction.Status, "to", to)

		switch to {
		case domain.AuctionActive:
			e.publish(ctx, snapshotEvent(domain.EventAuctionStarted, updated, now))
			e.track(updated)
		case domain.AuctionCancelled:
			event := newEvent(domain.EventAuctionCancelled, auctionID, now)
			event.CurrentPrice = updated.CurrentPrice
			e.publish(ctx, event)
			e.untrack(auctionID)
		}
		return updated, nil
	}

	return nil, domain.ErrTryAgain
}

// CloseAuction ends an auction whose end time has passed and settles the
// winner. Closing an ended or cancelled auction is a no-op reported through
// AlreadyClosed, so the scheduler and the precise timers may race freely.
func (e *AuctionEngine) CloseAuction(ctx context.Context, auctionID string) (result *CloseResult, err error) {
	ctx, span := e.tracer.Start(ctx, "AuctionEngine.CloseAuction", auctionAttr(auctionID))
	defer func() { endSpan(span, err) }()

	err = e.withAuctionLock(ctx, auctionID, func(ctx context.Context) error {
		var lockedErr error
		result, lockedErr = e.closeLocked(ctx, auctionID)
		return lockedErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *AuctionEngine) closeLocked(ctx context.Context, auctionID string) (*CloseResult, error) {
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		auction, err := e.store.Get(ctx, auctionID)
		if err != nil {
			return nil, e.storeErr(err)
		}

		if auction.Status.IsTerminal() {
			e.untrack(auctionID)
			return &CloseResult{Auction: auction, AlreadyClosed: true}, nil
		}

		if auction.Status == domain.AuctionScheduled {
			return nil, fmt.Errorf("%w: auction %s has not started", domain.ErrNotDue, auctionID)
		}

		now := e.clock.Now()
		if now.Before(auction.EndTime) {
			return nil, fmt.Errorf("%w: ends at %s", domain.ErrNotDue, auction.EndTime.Format(time.RFC3339))
		}

		highest, err := e.ledger.HighestBid(ctx, auctionID)
		if err != nil {
			return nil, e.storeErr(err)
		}

		var winnerID *string
		reserveMet := false
		if highest != nil {
			reserveMet = !auction.HasReserve() || highest.Amount >= auction.ReservePrice
			if reserveMet {
				w := highest.BidderID
				winnerID = &w
			}
		}

		err = e.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			return e.store.CloseAuction(ctx, auctionID, auction.Version, winnerID)
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			e.metrics.VersionConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, e.storeErr(err)
		}

		closed := auction.Clone()
		closed.Status = domain.AuctionEnded
		closed.WinnerID = winnerID
		closed.Version++
		closed.UpdatedAt = now

		e.remember(ctx, closed)

		result := &CloseResult{Auction: closed, HighestBid: highest, ReserveMet: reserveMet}
		if winnerID != nil {
			result.WinningBid = highest
		}

		e.publish(ctx, closeEvent(closed, highest, reserveMet, now))
		e.untrack(auctionID)
		e.metrics.AuctionsClosed.WithLabelValues(closeOutcome(result)).Inc()

		e.log.Info("Auction closed",
			"auction_id", auctionID,
			"winner_id", winnerID,
			"final_price", closed.CurrentPrice,
			"reserve_met", reserveMet,
			"bids", closed.BidCount,
		)
		return result, nil
	}

	return nil, domain.ErrTryAgain
}

func closeEvent(closed *domain.Auction, highest *domain.Bid, reserveMet bool, now time.Time) *domain.AuctionEvent {
	if highest == nil {
		event := newEvent(domain.EventAuctionEndedNoBids, closed.ID, now)
		event.CurrentPrice = closed.CurrentPrice
		return event
	}

	met := reserveMet
	event := newEvent(domain.EventAuctionEnded, closed.ID, now)
	event.WinnerID = closed.WinnerID
	event.FinalPrice = highest.Amount
	event.CurrentPrice = closed.CurrentPrice
	event.ReserveMet = &met
	return event
}

func closeOutcome(result *CloseResult) string {
	switch {
	case result.HighestBid == nil:
		return "no_bids"
	case !result.ReserveMet:
		return "reserve_not_met"
	default:
		return "sold"
	}
}
