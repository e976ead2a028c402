package mysql

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS auctions (
        id                    VARCHAR(64)  NOT NULL PRIMARY KEY,
        product_id            VARCHAR(64)  NOT NULL,
        seller_id             VARCHAR(64)  NOT NULL,
        starting_price        BIGINT       NOT NULL,
        current_price         BIGINT       NOT NULL,
        min_increment         BIGINT       NOT NULL,
        reserve_price         BIGINT       NOT NULL DEFAULT 0,
        start_time            DATETIME(6)  NOT NULL,
        end_time              DATETIME(6)  NOT NULL,
        status                TINYINT      NOT NULL,
        winner_id             VARCHAR(64)  NULL,
        leader_id             VARCHAR(64)  NULL,
        bid_count             INT          NOT NULL DEFAULT 0,
        auto_extend_window_ms BIGINT       NOT NULL DEFAULT 0,
        auto_extend_by_ms     BIGINT       NOT NULL DEFAULT 0,
        version               BIGINT       NOT NULL,
        created_at            DATETIME(6)  NOT NULL,
        updated_at            DATETIME(6)  NOT NULL,
        INDEX idx_auctions_status_end (status, end_time),
        INDEX idx_auctions_status_start (status, start_time)
    ) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS bids (
        id          VARCHAR(64) NOT NULL PRIMARY KEY,
        auction_id  VARCHAR(64) NOT NULL,
        bidder_id   VARCHAR(64) NOT NULL,
        amount      BIGINT      NOT NULL,
        accepted_at DATETIME(6) NOT NULL,
        sequence    BIGINT      NOT NULL,
        UNIQUE KEY uq_bids_auction_sequence (auction_id, sequence),
        INDEX idx_bids_auction_amount (auction_id, amount)
    ) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS auction_event_log (
        event_id    VARCHAR(64) NOT NULL PRIMARY KEY,
        auction_id  VARCHAR(64) NOT NULL,
        event_type  VARCHAR(32) NOT NULL,
        occurred_at DATETIME(6) NOT NULL,
        payload     JSON        NOT NULL,
        archived_at DATETIME(6) NOT NULL,
        INDEX idx_event_log_auction (auction_id, occurred_at)
    ) ENGINE=InnoDB`,
}

// EnsureSchema creates the bidding tables when they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
