package services

import (
	"fmt"
	"time"

	"bidhub/internal/domain"
	"bidhub/pkg/money"
)

// MinimumNextBid is the lowest amount the auction accepts right now.
func MinimumNextBid(auction *domain.Auction) money.Amount {
	return auction.CurrentPrice.Add(auction.MinIncrement)
}

// ValidateBid checks a proposed bid against an auction snapshot. It has no side
// effects and returns nil when the bid is acceptable. Checks run in a fixed
// order and the first failure wins.
func ValidateBid(auction *domain.Auction, bid domain.ProposedBid, now time.Time) *domain.Rejection {
	reject := func(reason domain.RejectReason, message string) *domain.Rejection {
		return &domain.Rejection{
			Reason:        reason,
			Message:       message,
			CurrentPrice:  auction.CurrentPrice,
			MinimumAmount: MinimumNextBid(auction),
			Status:        auction.Status,
			EndTime:       auction.EndTime,
		}
	}

	switch {
	case auction.Status == domain.AuctionScheduled:
		return reject(domain.RejectAuctionNotActive, "auction has not started yet")
	case auction.Status != domain.AuctionActive:
		return reject(domain.RejectAuctionNotActive, fmt.Sprintf("auction is closed (%s)", auction.Status))
	case !now.Before(auction.EndTime):
		return reject(domain.RejectAuctionNotActive, "auction is closed, bidding ended at "+auction.EndTime.UTC().Format(time.RFC3339))
	}

	if bid.BidderID == "" {
		return reject(domain.RejectInvalidBidder, "bidder id is required")
	}

	if bid.BidderID == auction.SellerID {
		return reject(domain.RejectSelfBid, "sellers cannot bid on their own auction")
	}

	if !bid.Amount.IsPositive() {
		return reject(domain.RejectInvalidAmount, "bid amount must be a positive number")
	}
	if bid.Amount > money.MaxAmount {
		return reject(domain.RejectInvalidAmount, fmt.Sprintf("bid amount cannot exceed %s", money.MaxAmount))
	}

	if minimum := MinimumNextBid(auction); bid.Amount < minimum {
		return reject(domain.RejectBidTooLow, fmt.Sprintf("bid must be at least %s", minimum))
	}

	return nil
}
