package services

import (
	"context"
	"fmt"

	"bidhub/internal/domain"
	"bidhub/pkg/logger"
)

// EventListener relays events from the shared bus to the watchers connected
// to this instance.
type EventListener struct {
	gateway domain.BroadcastGateway
	log     logger.Logger
}

func NewEventListener(gateway domain.BroadcastGateway, log logger.Logger) *EventListener {
	return &EventListener{
		gateway: gateway,
		log:     log,
	}
}

func (el *EventListener) Start(ctx context.Context, subscriber domain.EventSubscriber) error {
	el.log.Info("Starting event listener")
	return subscriber.SubscribeToAuctionEvents(ctx, el.HandleEvent)
}

// Publish lets the listener act as the local sink when events do not travel
// through Redis.
func (el *EventListener) Publish(_ context.Context, event *domain.AuctionEvent) error {
	return el.HandleEvent(event)
}

func (el *EventListener) HandleEvent(event *domain.AuctionEvent) error {
	el.log.Debug("Handling auction event", "type", event.Type, "auction_id", event.AuctionID)

	switch event.Type {
	case domain.EventNewBid,
		domain.EventAuctionStarted,
		domain.EventAuctionEndingSoon,
		domain.EventPresence:
		return el.gateway.Publish(context.Background(), event)
	case domain.EventAuctionEnded,
		domain.EventAuctionEndedNoBids,
		domain.EventAuctionCancelled:
		return el.handleAuctionFinished(event)
	}

	return fmt.Errorf("unknown event type %q for auction %s", event.Type, event.AuctionID)
}

func (el *EventListener) handleAuctionFinished(event *domain.AuctionEvent) error {
	if err := el.gateway.Publish(context.Background(), event); err != nil {
		el.log.Error("Failed to broadcast final auction event", "auction_id", event.AuctionID, "error", err)
	}

	el.gateway.CloseRoom(event.AuctionID)
	return nil
}
