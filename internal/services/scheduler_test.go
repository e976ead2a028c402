package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bidhub/internal/domain"
	"bidhub/internal/metrics"
	"bidhub/pkg/logger"
)

type stubLeader struct {
	leading  bool
	err      error
	released bool
}

func (l *stubLeader) BecomeLeader(context.Context, string) (bool, error) {
	return l.leading, l.err
}

func (l *stubLeader) IsLeader(context.Context, string) (bool, error) {
	return l.leading, l.err
}

func (l *stubLeader) ReleaseLeadership(context.Context, string) error {
	l.released = true
	return nil
}

func newTestScheduler(f *engineFixture, lifecycle auctionLifecycle, leader domain.LeaderElection) *ExpiryScheduler {
	if lifecycle == nil {
		lifecycle = f.engine
	}
	return NewExpiryScheduler(
		f.store,
		lifecycle,
		f.events,
		leader,
		f.clock,
		metrics.NewNop(),
		SchedulerConfig{Spec: "@every 1h", EndingSoonWindow: 5 * time.Minute, Concurrency: 4, InstanceID: "test"},
		logger.NewNop(),
	)
}

func TestSweepStartsAndClosesDueAuctions(t *testing.T) {
	rq := require.New(t)
	ctx := context.Background()
	f := newEngineFixture(t)

	scheduled := f.seed(t, func(a *domain.Auction) {
		a.ID = "scheduled"
		a.Status = domain.AuctionScheduled
		a.StartTime = testNow.Add(-time.Second)
	})
	expired := f.seed(t, func(a *domain.Auction) {
		a.ID = "expired"
		a.EndTime = testNow.Add(-time.Second)
	})
	far := f.seed(t, func(a *domain.Auction) { a.ID = "far" })

	s := newTestScheduler(f, nil, nil)
	rq.NoError(s.Sweep(ctx))

	got, err := f.store.Get(ctx, scheduled.ID)
	rq.NoError(err)
	rq.Equal(domain.AuctionActive, got.Status)

	got, err = f.store.Get(ctx, expired.ID)
	rq.NoError(err)
	rq.Equal(domain.AuctionEnded, got.Status)
	rq.Len(f.events.OfType(domain.EventAuctionEndedNoBids), 1)

	got, err = f.store.Get(ctx, far.ID)
	rq.NoError(err)
	rq.Equal(domain.AuctionActive, got.Status)

	// a second sweep finds nothing new to close
	rq.NoError(s.Sweep(ctx))
	rq.Len(f.events.OfType(domain.EventAuctionEndedNoBids), 1)
}

func TestSweepEndingSoonOncePerEndTime(t *testing.T) {
	rq := require.New(t)
	ctx := context.Background()
	f := newEngineFixture(t)

	a := f.seed(t, func(a *domain.Auction) {
		a.EndTime = testNow.Add(30 * time.Second)
		a.AutoExtendWindow = time.Minute
		a.AutoExtendBy = time.Minute
	})

	s := newTestScheduler(f, nil, nil)
	t.Cleanup(func() { _ = s.Stop() })

	rq.NoError(s.Sweep(ctx))
	rq.NoError(s.Sweep(ctx))
	rq.Len(f.events.OfType(domain.EventAuctionEndingSoon), 1)
	rq.Equal(1, s.TrackedCount())

	// an extension moves the end time and re-arms the notice
	rq.True(f.bid(t, a.ID, "bidder-1", 10100).Extended)
	rq.NoError(s.Sweep(ctx))
	rq.Len(f.events.OfType(domain.EventAuctionEndingSoon), 1)

	f.clock.Set(testNow.Add(40 * time.Second))
	rq.NoError(s.Sweep(ctx))

	notices := f.events.OfType(domain.EventAuctionEndingSoon)
	rq.Len(notices, 2)
	rq.Equal(testNow.Add(90*time.Second), *notices[1].EndTime)
	rq.Equal(50*time.Second, notices[1].TimeRemaining)
}

func TestSweepSkippedWhenNotLeader(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	expired := f.seed(t, func(a *domain.Auction) { a.EndTime = testNow.Add(-time.Second) })

	s := newTestScheduler(f, nil, &stubLeader{leading: false})
	rq.NoError(s.Sweep(context.Background()))

	got, err := f.store.Get(context.Background(), expired.ID)
	rq.NoError(err)
	rq.Equal(domain.AuctionActive, got.Status)

	s = newTestScheduler(f, nil, &stubLeader{err: errors.New("redis down")})
	rq.Error(s.Sweep(context.Background()))
}

type flakyLifecycle struct {
	*AuctionEngine
}

func (l flakyLifecycle) CloseAuction(ctx context.Context, auctionID string) (*CloseResult, error) {
	switch auctionID {
	case "panics":
		panic("boom")
	case "fails":
		return nil, errors.New("store down")
	}
	return l.AuctionEngine.CloseAuction(ctx, auctionID)
}

func TestSweepIsolatesFailures(t *testing.T) {
	rq := require.New(t)
	ctx := context.Background()
	f := newEngineFixture(t)

	for _, id := range []string{"panics", "fails", "healthy"} {
		id := id
		f.seed(t, func(a *domain.Auction) {
			a.ID = id
			a.EndTime = testNow.Add(-time.Second)
		})
	}

	s := newTestScheduler(f, flakyLifecycle{f.engine}, nil)
	rq.NoError(s.Sweep(ctx))

	got, err := f.store.Get(ctx, "healthy")
	rq.NoError(err)
	rq.Equal(domain.AuctionEnded, got.Status)

	for _, id := range []string{"panics", "fails"} {
		got, err := f.store.Get(ctx, id)
		rq.NoError(err)
		rq.Equal(domain.AuctionActive, got.Status)
	}
}

func TestTrackClosesAtEndTime(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, func(a *domain.Auction) { a.EndTime = testNow })

	s := newTestScheduler(f, nil, nil)
	f.engine.SetExpiryTracker(s)
	s.Track(a.ID, a.EndTime)

	rq.Eventually(func() bool {
		got, err := f.store.Get(context.Background(), a.ID)
		return err == nil && got.Status == domain.AuctionEnded
	}, 2*time.Second, 10*time.Millisecond)
	rq.Eventually(func() bool { return s.TrackedCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestUntrackAndStop(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	leader := &stubLeader{leading: true}
	s := newTestScheduler(f, nil, leader)

	s.Track("a-1", testNow.Add(time.Hour))
	s.Track("a-2", testNow.Add(time.Hour))
	rq.Equal(2, s.TrackedCount())

	s.Untrack("a-1")
	rq.Equal(1, s.TrackedCount())

	rq.NoError(s.Start(context.Background()))
	rq.NoError(s.Stop())
	rq.Equal(0, s.TrackedCount())
	rq.True(leader.released)

	// no timers after stop
	s.Track("a-3", testNow.Add(time.Hour))
	rq.Equal(0, s.TrackedCount())
}
