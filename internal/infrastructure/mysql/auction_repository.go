package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"bidhub/internal/domain"
	"bidhub/pkg/money"
)

const mysqlDuplicateEntry = 1062

const auctionColumns = `id, product_id, seller_id, starting_price, current_price, min_increment,
        reserve_price, start_time, end_time, status, winner_id, leader_id, bid_count,
        auto_extend_window_ms, auto_extend_by_ms, version, created_at, updated_at`

// AuctionRepository is the MySQL AuctionStateStore. Every mutation is an
// UPDATE guarded by the expected version that also bumps it.
type AuctionRepository struct {
	db *sql.DB
}

func NewAuctionRepository(db *sql.DB) *AuctionRepository {
	return &AuctionRepository{db: db}
}

func (r *AuctionRepository) Create(ctx context.Context, auction *domain.Auction) error {
	query := `
        INSERT INTO auctions (` + auctionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		auction.ID, auction.ProductID, auction.SellerID,
		int64(auction.StartingPrice), int64(auction.CurrentPrice), int64(auction.MinIncrement),
		int64(auction.ReservePrice), auction.StartTime.UTC(), auction.EndTime.UTC(),
		int(auction.Status), nullString(auction.WinnerID), nullString(auction.LeaderID), auction.BidCount,
		auction.AutoExtendWindow.Milliseconds(), auction.AutoExtendBy.Milliseconds(),
		auction.Version, auction.CreatedAt.UTC(), auction.UpdatedAt.UTC())

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%w: auction %s already exists", domain.ErrInvalidAuction, auction.ID)
	}
	if err != nil {
		return fmt.Errorf("insert auction: %w", err)
	}
	return nil
}

func (r *AuctionRepository) Get(ctx context.Context, auctionID string) (*domain.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = ?`

	auction, err := scanAuction(conn(ctx, r.db).QueryRowContext(ctx, query, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get auction: %w", err)
	}
	return auction, nil
}

func (r *AuctionRepository) CommitBid(ctx context.Context, commit domain.BidCommit) error {
	query := `
        UPDATE auctions
        SET current_price = ?, leader_id = ?, bid_count = bid_count + 1,
            end_time = ?, updated_at = ?, version = version + 1
        WHERE id = ? AND version = ?
    `
	res, err := conn(ctx, r.db).ExecContext(ctx, query,
		int64(commit.NewPrice), commit.LeaderID, commit.NewEndTime.UTC(), commit.UpdatedAt.UTC(),
		commit.AuctionID, commit.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("commit bid: %w", err)
	}
	return r.checkApplied(ctx, res, commit.AuctionID)
}

func (r *AuctionRepository) UpdateStatus(ctx context.Context, auctionID string, expectedVersion int64, status domain.AuctionStatus) error {
	query := `
        UPDATE auctions SET status = ?, updated_at = ?, version = version + 1
        WHERE id = ? AND version = ?
    `
	res, err := conn(ctx, r.db).ExecContext(ctx, query, int(status), time.Now().UTC(), auctionID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update auction status: %w", err)
	}
	return r.checkApplied(ctx, res, auctionID)
}

func (r *AuctionRepository) CloseAuction(ctx context.Context, auctionID string, expectedVersion int64, winnerID *string) error {
	query := `
        UPDATE auctions SET status = ?, winner_id = ?, updated_at = ?, version = version + 1
        WHERE id = ? AND version = ?
    `
	res, err := conn(ctx, r.db).ExecContext(ctx, query,
		int(domain.AuctionEnded), nullString(winnerID), time.Now().UTC(), auctionID, expectedVersion)
	if err != nil {
		return fmt.Errorf("close auction: %w", err)
	}
	return r.checkApplied(ctx, res, auctionID)
}

func (r *AuctionRepository) ListDue(ctx context.Context, now time.Time, horizon time.Duration) ([]*domain.Auction, error) {
	query := `
        SELECT ` + auctionColumns + `
        FROM auctions
        WHERE (status = ? AND start_time <= ?) OR (status = ? AND end_time <= ?)
        ORDER BY end_time ASC
    `
	rows, err := conn(ctx, r.db).QueryContext(ctx, query,
		int(domain.AuctionScheduled), now.UTC(), int(domain.AuctionActive), now.Add(horizon).UTC())
	if err != nil {
		return nil, fmt.Errorf("list due auctions: %w", err)
	}
	defer rows.Close()

	var auctions []*domain.Auction
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due auction: %w", err)
		}
		auctions = append(auctions, auction)
	}
	return auctions, rows.Err()
}

// checkApplied turns a zero-row guarded update into NotFound or a conflict.
func (r *AuctionRepository) checkApplied(ctx context.Context, res sql.Result, auctionID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var version int64
	err = conn(ctx, r.db).QueryRowContext(ctx, `SELECT version FROM auctions WHERE id = ?`, auctionID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrAuctionNotFound
	}
	if err != nil {
		return fmt.Errorf("check auction version: %w", err)
	}
	return domain.ErrVersionConflict
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuction(row rowScanner) (*domain.Auction, error) {
	var (
		auction        domain.Auction
		startingPrice  int64
		currentPrice   int64
		minIncrement   int64
		reserve        int64
		extendWindowMs int64
		extendByMs     int64
		status         int
		winnerID       sql.NullString
		leaderID       sql.NullString
	)

	err := row.Scan(
		&auction.ID, &auction.ProductID, &auction.SellerID,
		&startingPrice, &currentPrice, &minIncrement, &reserve,
		&auction.StartTime, &auction.EndTime, &status, &winnerID, &leaderID, &auction.BidCount,
		&extendWindowMs, &extendByMs, &auction.Version, &auction.CreatedAt, &auction.UpdatedAt)
	if err != nil {
		return nil, err
	}

	auction.StartingPrice = money.Amount(startingPrice)
	auction.CurrentPrice = money.Amount(currentPrice)
	auction.MinIncrement = money.Amount(minIncrement)
	auction.ReservePrice = money.Amount(reserve)
	auction.Status = domain.AuctionStatus(status)
	auction.WinnerID = stringPtr(winnerID)
	auction.LeaderID = stringPtr(leaderID)
	auction.AutoExtendWindow = time.Duration(extendWindowMs) * time.Millisecond
	auction.AutoExtendBy = time.Duration(extendByMs) * time.Millisecond
	auction.StartTime = auction.StartTime.UTC()
	auction.EndTime = auction.EndTime.UTC()
	auction.CreatedAt = auction.CreatedAt.UTC()
	auction.UpdatedAt = auction.UpdatedAt.UTC()
	return &auction, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
