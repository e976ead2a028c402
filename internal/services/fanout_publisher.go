package services

import (
	"context"
	"errors"
	"fmt"

	"bidhub/internal/domain"
	"bidhub/internal/metrics"
	"bidhub/pkg/logger"
)

type Sink struct {
	Name      string
	Publisher domain.EventPublisher
}

// FanoutPublisher publishes every event to all sinks. One failing sink does
// not keep the others from receiving the event.
type FanoutPublisher struct {
	sinks   []Sink
	metrics *metrics.Metrics
	log     logger.Logger
}

func NewFanoutPublisher(m *metrics.Metrics, log logger.Logger, sinks ...Sink) *FanoutPublisher {
	if m == nil {
		m = metrics.NewNop()
	}
	return &FanoutPublisher{sinks: sinks, metrics: m, log: log}
}

func (f *FanoutPublisher) Publish(ctx context.Context, event *domain.AuctionEvent) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Publisher.Publish(ctx, event); err != nil {
			f.metrics.PublishFailures.WithLabelValues(sink.Name).Inc()
			f.log.Warn("Event sink failed", "sink", sink.Name, "auction_id", event.AuctionID, "type", event.Type, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
		}
	}
	return errors.Join(errs...)
}
