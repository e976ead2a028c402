package services

import (
	"context"
	"errors"
	"fmt"

	"bidhub/internal/domain"
	"bidhub/pkg/logger"
)

// ErrMalformedEvent marks events that can never be archived. Consumers skip
// them instead of retrying.
var ErrMalformedEvent = errors.New("malformed auction event")

// EventArchiver copies published auction events into the audit log.
type EventArchiver struct {
	eventLog domain.EventLog
	log      logger.Logger
}

func NewEventArchiver(eventLog domain.EventLog, log logger.Logger) *EventArchiver {
	return &EventArchiver{eventLog: eventLog, log: log}
}

func (a *EventArchiver) Run(ctx context.Context, stream domain.EventStream) error {
	a.log.Info("Starting event archiver")
	return stream.Consume(ctx, a.Archive)
}

func (a *EventArchiver) Archive(ctx context.Context, event *domain.AuctionEvent) error {
	switch {
	case event == nil:
		return fmt.Errorf("%w: empty event", ErrMalformedEvent)
	case event.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedEvent)
	case event.AuctionID == "":
		return fmt.Errorf("%w: missing auction id", ErrMalformedEvent)
	case event.Type == "":
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	if err := a.eventLog.Append(ctx, event); err != nil {
		return fmt.Errorf("archive event %s: %w", event.ID, err)
	}

	a.log.Debug("Archived auction event", "event_id", event.ID, "auction_id", event.AuctionID, "type", event.Type)
	return nil
}
