package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bidhub"

type Metrics struct {
	Bids             *prometheus.CounterVec
	VersionConflicts prometheus.Counter
	CommitDuration   prometheus.Histogram
	AuctionsClosed   *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	SweepFailures    prometheus.Counter
	EventsDropped    prometheus.Counter
	PublishFailures  *prometheus.CounterVec
	RoomConnections  prometheus.Gauge
}

// New registers every collector on reg. Pass a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Bids: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_total",
			Help:      "Bids processed, by outcome (accepted or rejection reason).",
		}, []string{"outcome"}),
		VersionConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bid_version_conflicts_total",
			Help:      "Optimistic concurrency conflicts seen while committing bids.",
		}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bid_commit_duration_seconds",
			Help:      "Time spent in the per-auction critical section.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		AuctionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auctions_closed_total",
			Help:      "Closed auctions, by result.",
		}, []string{"result"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_duration_seconds",
			Help:      "Duration of expiry scheduler sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_failures_total",
			Help:      "Auctions the expiry scheduler failed to process.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because the dispatch queue was full.",
		}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Event publish failures, by sink.",
		}, []string{"sink"}),
		RoomConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_connections",
			Help:      "Open realtime connections across all auction rooms.",
		}),
	}
}

func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
