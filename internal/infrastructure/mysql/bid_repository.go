package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bidhub/internal/domain"
	"bidhub/pkg/money"
)

// BidRepository is the append-only MySQL bid ledger. Append is expected to
// run inside the Transactor together with the auction update.
type BidRepository struct {
	db *sql.DB
}

func NewBidRepository(db *sql.DB) *BidRepository {
	return &BidRepository{db: db}
}

func (r *BidRepository) Append(ctx context.Context, bid *domain.Bid) error {
	q := conn(ctx, r.db)

	var last int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM bids WHERE auction_id = ? FOR UPDATE`,
		bid.AuctionID).Scan(&last)
	if err != nil {
		return fmt.Errorf("next bid sequence: %w", err)
	}

	query := `
        INSERT INTO bids (id, auction_id, bidder_id, amount, accepted_at, sequence)
        VALUES (?, ?, ?, ?, ?, ?)
    `
	_, err = q.ExecContext(ctx, query,
		bid.ID, bid.AuctionID, bid.BidderID, int64(bid.Amount), bid.AcceptedAt.UTC(), last+1)
	if err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}

	bid.Sequence = last + 1
	return nil
}

// HighestBid returns nil without error when the auction has no bids.
func (r *BidRepository) HighestBid(ctx context.Context, auctionID string) (*domain.Bid, error) {
	query := `
        SELECT id, auction_id, bidder_id, amount, accepted_at, sequence
        FROM bids WHERE auction_id = ?
        ORDER BY amount DESC, sequence ASC
        LIMIT 1
    `
	bid, err := scanBid(conn(ctx, r.db).QueryRowContext(ctx, query, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("highest bid: %w", err)
	}
	return bid, nil
}

func (r *BidRepository) History(ctx context.Context, auctionID string) ([]*domain.Bid, error) {
	query := `
        SELECT id, auction_id, bidder_id, amount, accepted_at, sequence
        FROM bids WHERE auction_id = ?
        ORDER BY accepted_at ASC, sequence ASC
    `
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("bid history: %w", err)
	}
	defer rows.Close()

	bids := []*domain.Bid{}
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

func scanBid(row rowScanner) (*domain.Bid, error) {
	var bid domain.Bid
	var amount int64

	if err := row.Scan(&bid.ID, &bid.AuctionID, &bid.BidderID, &amount, &bid.AcceptedAt, &bid.Sequence); err != nil {
		return nil, err
	}
	bid.Amount = money.Amount(amount)
	bid.AcceptedAt = bid.AcceptedAt.UTC()
	return &bid, nil
}
