package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"bidhub/internal/domain"
	"bidhub/internal/metrics"
	"bidhub/pkg/logger"
)

type SchedulerConfig struct {
	// Spec is a robfig/cron schedule, e.g. "@every 1s".
	Spec string
	// EndingSoonWindow applies to auctions without their own extend window.
	EndingSoonWindow time.Duration
	Concurrency      int
	TaskTimeout      time.Duration
	InstanceID       string
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Spec:             "@every 1s",
		EndingSoonWindow: 5 * time.Minute,
		Concurrency:      16,
		TaskTimeout:      10 * time.Second,
		InstanceID:       "bidding-service-1",
	}
}

type endTimer struct {
	timer *time.Timer
	end   time.Time
}

type auctionLifecycle interface {
	StartAuction(ctx context.Context, auctionID string) (*domain.Auction, error)
	CloseAuction(ctx context.Context, auctionID string) (*CloseResult, error)
}

// ExpiryScheduler starts and closes auctions on time. A cron sweep over due
// auctions is the source of truth; per-auction timers close auctions at their
// exact end time between sweeps. Only the leader sweeps when leader election
// is configured.
type ExpiryScheduler struct {
	cron      *cron.Cron
	store     domain.AuctionStateStore
	engine    auctionLifecycle
	publisher domain.EventPublisher
	leader    domain.LeaderElection
	clock     domain.Clock
	metrics   *metrics.Metrics
	cfg       SchedulerConfig
	log       logger.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	timerMutex sync.Mutex
	timers     map[string]*endTimer
	stopped    bool

	notifiedMutex sync.Mutex
	endingSoon    map[string]time.Time
}

func NewExpiryScheduler(
	store domain.AuctionStateStore,
	engine auctionLifecycle,
	publisher domain.EventPublisher,
	leader domain.LeaderElection,
	clock domain.Clock,
	m *metrics.Metrics,
	cfg SchedulerConfig,
	log logger.Logger,
) *ExpiryScheduler {
	defaults := DefaultSchedulerConfig()
	if cfg.Spec == "" {
		cfg.Spec = defaults.Spec
	}
	if cfg.EndingSoonWindow <= 0 {
		cfg.EndingSoonWindow = defaults.EndingSoonWindow
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaults.TaskTimeout
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if m == nil {
		m = metrics.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &ExpiryScheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		store:      store,
		engine:     engine,
		publisher:  publisher,
		leader:     leader,
		clock:      clock,
		metrics:    m,
		cfg:        cfg,
		log:        log,
		baseCtx:    baseCtx,
		cancel:     cancel,
		timers:     make(map[string]*endTimer),
		endingSoon: make(map[string]time.Time),
	}
}

func (s *ExpiryScheduler) Start(ctx context.Context) error {
	s.log.Info("Starting expiry scheduler", "spec", s.cfg.Spec, "leader_election", s.leader != nil)

	_, err := s.cron.AddFunc(s.cfg.Spec, func() {
		if err := s.Sweep(ctx); err != nil {
			// the next tick retries
			s.log.Error("Expiry sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}

	s.cron.Start()
	return nil
}

func (s *ExpiryScheduler) Stop() error {
	s.log.Info("Stopping expiry scheduler")

	<-s.cron.Stop().Done()
	s.cancel()

	s.timerMutex.Lock()
	s.stopped = true
	for id, armed := range s.timers {
		armed.timer.Stop()
		delete(s.timers, id)
	}
	s.timerMutex.Unlock()

	if s.leader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.leader.ReleaseLeadership(ctx, s.cfg.InstanceID); err != nil {
			s.log.Warn("Failed to release scheduler leadership", "error", err)
		}
	}
	return nil
}

// Sweep processes every due auction once. Each auction runs in its own task:
// a failure or panic is logged and counted and the auction is picked up again
// on the next sweep.
func (s *ExpiryScheduler) Sweep(ctx context.Context) error {
	if s.leader != nil {
		leading, err := s.leader.BecomeLeader(ctx, s.cfg.InstanceID)
		if err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		if !leading {
			return nil
		}
	}

	started := time.Now()
	defer func() { s.metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	due, err := s.store.ListDue(ctx, s.clock.Now(), s.cfg.EndingSoonWindow)
	if err != nil {
		return fmt.Errorf("list due auctions: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, auction := range due {
		auction := auction
		g.Go(func() error {
			s.process(ctx, auction)
			return nil
		})
	}
	return g.Wait()
}

func (s *ExpiryScheduler) process(ctx context.Context, auction *domain.Auction) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.SweepFailures.Inc()
			s.log.Error("Panic while processing auction", "auction_id", auction.ID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	now := s.clock.Now()

	if auction.Status == domain.AuctionScheduled && !now.Before(auction.StartTime) {
		started, err := s.engine.StartAuction(ctx, auction.ID)
		if err != nil {
			s.fail(auction.ID, "start", err)
			return
		}
		auction = started
	}

	if auction.Status != domain.AuctionActive {
		return
	}

	if !now.Before(auction.EndTime) {
		s.close(ctx, auction.ID)
		return
	}

	s.Track(auction.ID, auction.EndTime)
	if auction.EndTime.Sub(now) <= s.windowFor(auction) {
		s.notifyEndingSoon(ctx, auction, now)
	}
}

func (s *ExpiryScheduler) close(ctx context.Context, auctionID string) {
	result, err := s.engine.CloseAuction(ctx, auctionID)
	switch {
	case errors.Is(err, domain.ErrNotDue):
		// extended since it was listed
		return
	case err != nil:
		s.fail(auctionID, "close", err)
		return
	}

	s.forget(auctionID)
	if !result.AlreadyClosed {
		s.log.Debug("Auction closed by scheduler", "auction_id", auctionID)
	}
}

func (s *ExpiryScheduler) fail(auctionID, action string, err error) {
	s.metrics.SweepFailures.Inc()
	s.log.Error("Failed to process due auction", "auction_id", auctionID, "action", action, "error", err)
}

func (s *ExpiryScheduler) windowFor(auction *domain.Auction) time.Duration {
	if auction.AutoExtendWindow > 0 {
		return auction.AutoExtendWindow
	}
	return s.cfg.EndingSoonWindow
}

// notifyEndingSoon emits at most one ending-soon event per end time, so an
// extension re-arms it.
func (s *ExpiryScheduler) notifyEndingSoon(ctx context.Context, auction *domain.Auction, now time.Time) {
	s.notifiedMutex.Lock()
	last, seen := s.endingSoon[auction.ID]
	if seen && last.Equal(auction.EndTime) {
		s.notifiedMutex.Unlock()
		return
	}
	s.endingSoon[auction.ID] = auction.EndTime
	s.notifiedMutex.Unlock()

	event := snapshotEvent(domain.EventAuctionEndingSoon, auction, now)
	event.TimeRemaining = timeRemaining(auction, now)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("Failed to enqueue ending soon event", "auction_id", auction.ID, "error", err)
	}
}

func (s *ExpiryScheduler) forget(auctionID string) {
	s.notifiedMutex.Lock()
	delete(s.endingSoon, auctionID)
	s.notifiedMutex.Unlock()
}

// Track arms (or re-arms) a timer that closes the auction at endTime.
func (s *ExpiryScheduler) Track(auctionID string, endTime time.Time) {
	s.timerMutex.Lock()
	defer s.timerMutex.Unlock()

	if s.stopped {
		return
	}

	if armed, exists := s.timers[auctionID]; exists {
		if armed.end.Equal(endTime) {
			return
		}
		armed.timer.Stop()
	}

	delay := endTime.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	entry := &endTimer{end: endTime}
	entry.timer = time.AfterFunc(delay, func() {
		s.fire(auctionID, entry)
	})
	s.timers[auctionID] = entry
}

func (s *ExpiryScheduler) Untrack(auctionID string) {
	s.timerMutex.Lock()
	if armed, exists := s.timers[auctionID]; exists {
		armed.timer.Stop()
		delete(s.timers, auctionID)
	}
	s.timerMutex.Unlock()

	s.forget(auctionID)
}

// TrackedCount is the number of armed end timers.
func (s *ExpiryScheduler) TrackedCount() int {
	s.timerMutex.Lock()
	defer s.timerMutex.Unlock()
	return len(s.timers)
}

func (s *ExpiryScheduler) fire(auctionID string, entry *endTimer) {
	s.timerMutex.Lock()
	if s.timers[auctionID] == entry {
		delete(s.timers, auctionID)
	}
	s.timerMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic in auction end timer", "auction_id", auctionID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.TaskTimeout)
	defer cancel()

	s.close(ctx, auctionID)
}
