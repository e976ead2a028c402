package handlers

import (
	"encoding/json"
	"time"

	"bidhub/internal/domain"
	"bidhub/internal/services"
	"bidhub/pkg/money"
)

type CreateAuctionRequest struct {
	ProductID     string      `json:"product_id" validate:"required,max=64"`
	SellerID      string      `json:"seller_id" validate:"required,max=64"`
	StartingPrice json.Number `json:"starting_price" validate:"required"`
	MinIncrement  json.Number `json:"min_increment,omitempty"`
	ReservePrice  json.Number `json:"reserve_price,omitempty"`
	// StartTime defaults to now, which opens the auction immediately.
	StartTime               *time.Time `json:"start_time,omitempty"`
	EndTime                 *time.Time `json:"end_time" validate:"required"`
	AutoExtendWindowSeconds int        `json:"auto_extend_window_seconds,omitempty" validate:"min=0"`
	AutoExtendBySeconds     int        `json:"auto_extend_by_seconds,omitempty" validate:"min=0"`
	DisableAutoExtend       bool       `json:"disable_auto_extend,omitempty"`
}

type PlaceBidRequest struct {
	BidderID string      `json:"bidder_id" validate:"required,max=64"`
	Amount   json.Number `json:"amount" validate:"required"`
}

type AuctionResponse struct {
	ID               string     `json:"id"`
	ProductID        string     `json:"product_id"`
	SellerID         string     `json:"seller_id"`
	Status           string     `json:"status"`
	StartingPrice    string     `json:"starting_price"`
	CurrentPrice     string     `json:"current_price"`
	MinIncrement     string     `json:"min_increment"`
	MinimumBid       string     `json:"minimum_bid"`
	HasReserve       bool       `json:"has_reserve"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	TimeRemainingSec int64      `json:"time_remaining_seconds"`
	LeaderID         *string    `json:"leader_id,omitempty"`
	WinnerID         *string    `json:"winner_id,omitempty"`
	BidCount         int        `json:"bid_count"`
	Version          int64      `json:"version"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

type BidResponse struct {
	Accepted     bool      `json:"accepted"`
	BidID        string    `json:"bid_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Message      string    `json:"message,omitempty"`
	CurrentPrice string    `json:"current_price"`
	MinimumBid   string    `json:"minimum_bid"`
	EndTime      time.Time `json:"end_time"`
	Extended     bool      `json:"extended,omitempty"`
}

type BidHistoryEntry struct {
	ID         string    `json:"id"`
	BidderID   string    `json:"bidder_id"`
	Amount     string    `json:"amount"`
	AcceptedAt time.Time `json:"accepted_at"`
	Sequence   int64     `json:"sequence"`
}

type ErrorResponse struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func newAuctionResponse(a *domain.Auction, now time.Time) AuctionResponse {
	resp := AuctionResponse{
		ID:            a.ID,
		ProductID:     a.ProductID,
		SellerID:      a.SellerID,
		Status:        a.DisplayStatus(now).String(),
		StartingPrice: a.StartingPrice.String(),
		CurrentPrice:  a.CurrentPrice.String(),
		MinIncrement:  a.MinIncrement.String(),
		MinimumBid:    services.MinimumNextBid(a).String(),
		HasReserve:    a.HasReserve(),
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
		LeaderID:      a.LeaderID,
		WinnerID:      a.WinnerID,
		BidCount:      a.BidCount,
		Version:       a.Version,
	}
	if a.Status == domain.AuctionActive && a.EndTime.After(now) {
		resp.TimeRemainingSec = int64(a.EndTime.Sub(now).Seconds())
	}
	if !a.UpdatedAt.IsZero() {
		updated := a.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func newBidResponse(result *services.BidResult) BidResponse {
	if !result.Accepted {
		r := result.Rejection
		return BidResponse{
			Reason:       string(r.Reason),
			Message:      r.Message,
			CurrentPrice: r.CurrentPrice.String(),
			MinimumBid:   r.MinimumAmount.String(),
			EndTime:      r.EndTime,
		}
	}

	a := result.Auction
	return BidResponse{
		Accepted:     true,
		BidID:        result.Bid.ID,
		CurrentPrice: a.CurrentPrice.String(),
		MinimumBid:   services.MinimumNextBid(a).String(),
		EndTime:      a.EndTime,
		Extended:     result.Extended,
	}
}

func newBidHistory(bids []*domain.Bid) []BidHistoryEntry {
	out := make([]BidHistoryEntry, 0, len(bids))
	for _, b := range bids {
		out = append(out, BidHistoryEntry{
			ID:         b.ID,
			BidderID:   b.BidderID,
			Amount:     b.Amount.String(),
			AcceptedAt: b.AcceptedAt,
			Sequence:   b.Sequence,
		})
	}
	return out
}

// parseAmount treats an empty value as zero.
// explainAmount replaces the generic invalid amount message with the parse
// failure when the amount never parsed.
func explainAmount(rejection *domain.Rejection, parseErr error) {
	if parseErr != nil && rejection != nil && rejection.Reason == domain.RejectInvalidAmount {
		rejection.Message = "amount must be a positive decimal such as \"101.50\": " + parseErr.Error()
	}
}

func parseAmount(n json.Number) (money.Amount, error) {
	if n == "" {
		return 0, nil
	}
	return money.Parse(n.String())
}
