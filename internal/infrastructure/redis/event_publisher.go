package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"bidhub/internal/domain"
)

// AuctionEventsChannel carries every auction event between instances.
const AuctionEventsChannel = "bidhub:auction_events"

type EventPublisherImpl struct {
	client  *redis.Client
	channel string
}

func NewEventPublisher(client *redis.Client) *EventPublisherImpl {
	return &EventPublisherImpl{client: client, channel: AuctionEventsChannel}
}

func (r *EventPublisherImpl) Publish(ctx context.Context, event *domain.AuctionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode auction event: %w", err)
	}

	return r.client.Publish(ctx, r.channel, payload).Err()
}
