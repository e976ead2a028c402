package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"bidhub/internal/domain"
)

// EventLogRepository archives auction events. Replays of an already stored
// event id are ignored.
type EventLogRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewEventLogRepository(db *sql.DB) *EventLogRepository {
	return &EventLogRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *EventLogRepository) Append(ctx context.Context, event *domain.AuctionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	query := `
        INSERT IGNORE INTO auction_event_log (event_id, auction_id, event_type, occurred_at, payload, archived_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `
	_, err = conn(ctx, r.db).ExecContext(ctx, query,
		event.ID, event.AuctionID, string(event.Type), event.OccurredAt.UTC(), payload, r.now())
	if err != nil {
		return fmt.Errorf("append event %s: %w", event.ID, err)
	}
	return nil
}
