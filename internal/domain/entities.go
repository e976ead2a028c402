package domain

import (
	"time"

	"bidhub/pkg/money"
)

type Auction struct {
	ID               string
	ProductID        string
	SellerID         string
	StartingPrice    money.Amount
	CurrentPrice     money.Amount
	MinIncrement     money.Amount
	ReservePrice     money.Amount // zero means no reserve
	StartTime        time.Time
	EndTime          time.Time
	Status           AuctionStatus
	WinnerID         *string
	LeaderID         *string
	BidCount         int
	AutoExtendWindow time.Duration
	AutoExtendBy     time.Duration
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a deep copy safe to hand out of a store.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	c := *a
	if a.WinnerID != nil {
		w := *a.WinnerID
		c.WinnerID = &w
	}
	if a.LeaderID != nil {
		l := *a.LeaderID
		c.LeaderID = &l
	}
	return &c
}

func (a *Auction) HasReserve() bool {
	return a.ReservePrice > 0
}

// InExtendWindow reports whether a bid at now lands inside the anti-snipe window.
func (a *Auction) InExtendWindow(now time.Time) bool {
	if a.AutoExtendWindow <= 0 || a.AutoExtendBy <= 0 {
		return false
	}
	remaining := a.EndTime.Sub(now)
	return remaining > 0 && remaining <= a.AutoExtendWindow
}

// DisplayStatus is the status shown to clients: an active auction inside its
// anti-snipe window reads as "ending".
func (a *Auction) DisplayStatus(now time.Time) AuctionStatus {
	if a.Status == AuctionActive && a.InExtendWindow(now) {
		return AuctionEnding
	}
	return a.Status
}

type AuctionStatus int

const (
	AuctionScheduled AuctionStatus = iota
	AuctionActive
	AuctionEnding
	AuctionEnded
	AuctionCancelled
)

func (s AuctionStatus) String() string {
	switch s {
	case AuctionScheduled:
		return "scheduled"
	case AuctionActive:
		return "active"
	case AuctionEnding:
		return "ending"
	case AuctionEnded:
		return "ended"
	case AuctionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s AuctionStatus) IsTerminal() bool {
	return s == AuctionEnded || s == AuctionCancelled
}

type Bid struct {
	ID         string
	AuctionID  string
	BidderID   string
	Amount     money.Amount
	AcceptedAt time.Time
	Sequence   int64
}

type ProposedBid struct {
	BidderID string
	Amount   money.Amount
}

// BidCommit is the state change written together with a ledger append.
type BidCommit struct {
	AuctionID       string
	ExpectedVersion int64
	NewPrice        money.Amount
	LeaderID        string
	NewEndTime      time.Time
	UpdatedAt       time.Time
}

type Presence struct {
	AuctionID string
	UserID    string
	JoinedAt  time.Time
}

type AuctionEvent struct {
	ID             string        `json:"id,omitempty"`
	Type           EventType     `json:"type"`
	AuctionID      string        `json:"auction_id"`
	OccurredAt     time.Time     `json:"occurred_at"`
	BidID          string        `json:"bid_id,omitempty"`
	BidderID       string        `json:"bidder_id,omitempty"`
	Amount         money.Amount  `json:"amount,omitempty"`
	CurrentPrice   money.Amount  `json:"current_price,omitempty"`
	MinimumNextBid money.Amount  `json:"minimum_next_bid,omitempty"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	Extended       bool          `json:"extended,omitempty"`
	WinnerID       *string       `json:"winner_id,omitempty"`
	FinalPrice     money.Amount  `json:"final_price,omitempty"`
	ReserveMet     *bool         `json:"reserve_met,omitempty"`
	Participants   *int          `json:"participants,omitempty"`
	TimeRemaining  time.Duration `json:"time_remaining_ns,omitempty"`
}

type EventType string

const (
	EventNewBid             EventType = "new_bid"
	EventAuctionStarted     EventType = "auction_started"
	EventAuctionEndingSoon  EventType = "auction_ending_soon"
	EventAuctionEnded       EventType = "auction_ended"
	EventAuctionEndedNoBids EventType = "auction_ended_no_bids"
	EventAuctionCancelled   EventType = "auction_cancelled"
	EventPresence           EventType = "presence"
)

// IsTerminal reports whether the event closes the auction room.
func (t EventType) IsTerminal() bool {
	return t == EventAuctionEnded || t == EventAuctionEndedNoBids || t == EventAuctionCancelled
}
