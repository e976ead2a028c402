package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bidhub/internal/domain"
	"bidhub/internal/infrastructure/memory"
	"bidhub/internal/metrics"
	"bidhub/pkg/logger"
	"bidhub/pkg/money"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.AuctionEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event *domain.AuctionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Events() []*domain.AuctionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.AuctionEvent(nil), p.events...)
}

func (p *recordingPublisher) OfType(eventType domain.EventType) []*domain.AuctionEvent {
	var matched []*domain.AuctionEvent
	for _, e := range p.Events() {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

type recordingTracker struct {
	mu        sync.Mutex
	tracked   map[string]time.Time
	untracked []string
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{tracked: make(map[string]time.Time)}
}

func (r *recordingTracker) Track(auctionID string, endTime time.Time) {
	r.mu.Lock()
	r.tracked[auctionID] = endTime
	r.mu.Unlock()
}

func (r *recordingTracker) Untrack(auctionID string) {
	r.mu.Lock()
	delete(r.tracked, auctionID)
	r.untracked = append(r.untracked, auctionID)
	r.mu.Unlock()
}

func (r *recordingTracker) EndTime(auctionID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracked[auctionID]
	return t, ok
}

type engineFixture struct {
	engine  *AuctionEngine
	store   *memory.Store
	clock   *fakeClock
	events  *recordingPublisher
	tracker *recordingTracker
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := memory.NewStore()
	return newEngineFixtureWithState(t, store, store)
}

// newEngineFixtureWithState lets tests put a decorated state store in front
// of the memory store.
func newEngineFixtureWithState(t *testing.T, state domain.AuctionStateStore, store *memory.Store) *engineFixture {
	t.Helper()

	f := &engineFixture{
		store:   store,
		clock:   newFakeClock(testNow),
		events:  &recordingPublisher{},
		tracker: newRecordingTracker(),
	}
	f.engine = NewAuctionEngine(
		state,
		store,
		store,
		NewKeyedMutex(),
		f.events,
		StaticIncrementPolicy{Rules: DefaultIncrementRules()},
		f.clock,
		metrics.NewNop(),
		DefaultEngineConfig(),
		logger.NewNop(),
	)
	f.engine.SetExpiryTracker(f.tracker)
	return f
}

func (f *engineFixture) seed(t *testing.T, mutate func(a *domain.Auction)) *domain.Auction {
	t.Helper()

	a := activeAuction()
	a.Version = 1
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, f.store.Create(context.Background(), a))
	return a
}

func (f *engineFixture) bid(t *testing.T, auctionID, bidderID string, amount money.Amount) *BidResult {
	t.Helper()

	result, err := f.engine.PlaceBid(context.Background(), PlaceBidRequest{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
	})
	require.NoError(t, err)
	return result
}

func TestPlaceBidIncrementRule(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, nil)

	rejected := f.bid(t, a.ID, "bidder-1", 10050)
	rq.False(rejected.Accepted)
	rq.Equal(domain.RejectBidTooLow, rejected.Rejection.Reason)
	rq.EqualValues(10100, rejected.Rejection.MinimumAmount)
	rq.EqualValues(10000, rejected.Rejection.CurrentPrice)
	rq.Empty(f.events.Events())

	accepted := f.bid(t, a.ID, "bidder-1", 10100)
	rq.True(accepted.Accepted)
	rq.Nil(accepted.Rejection)
	rq.EqualValues(10100, accepted.Auction.CurrentPrice)
	rq.Equal(int64(1), accepted.Bid.Sequence)

	stored, err := f.store.Get(context.Background(), a.ID)
	rq.NoError(err)
	rq.EqualValues(10100, stored.CurrentPrice)
	rq.Equal("bidder-1", *stored.LeaderID)
	rq.Equal(stored.Version, accepted.Auction.Version)

	events := f.events.OfType(domain.EventNewBid)
	rq.Len(events, 1)
	rq.EqualValues(10100, events[0].Amount)
	rq.EqualValues(10200, events[0].MinimumNextBid)
	rq.Equal("bidder-1", events[0].BidderID)
	rq.False(events[0].Extended)
	rq.NotEmpty(events[0].ID)
}

func TestPlaceBidExtendsInsideWindow(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, func(a *domain.Auction) {
		a.EndTime = testNow.Add(2 * time.Minute)
		a.AutoExtendWindow = 5 * time.Minute
		a.AutoExtendBy = 5 * time.Minute
	})

	result := f.bid(t, a.ID, "bidder-1", 10100)
	rq.True(result.Accepted)
	rq.True(result.Extended)
	rq.Equal(testNow.Add(7*time.Minute), result.Auction.EndTime)

	stored, err := f.store.Get(context.Background(), a.ID)
	rq.NoError(err)
	rq.Equal(testNow.Add(7*time.Minute), stored.EndTime)

	tracked, ok := f.tracker.EndTime(a.ID)
	rq.True(ok)
	rq.Equal(testNow.Add(7*time.Minute), tracked)

	events := f.events.OfType(domain.EventNewBid)
	rq.Len(events, 1)
	rq.True(events[0].Extended)
	rq.Equal(testNow.Add(7*time.Minute), *events[0].EndTime)

	// a bid after the old end time is judged against the new one
	f.clock.Set(testNow.Add(3 * time.Minute))
	rq.True(f.bid(t, a.ID, "bidder-2", 10200).Accepted)
}

func TestPlaceBidOutsideWindowKeepsEndTime(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, func(a *domain.Auction) {
		a.EndTime = testNow.Add(10 * time.Minute)
		a.AutoExtendWindow = 5 * time.Minute
		a.AutoExtendBy = 5 * time.Minute
	})

	result := f.bid(t, a.ID, "bidder-1", 10100)
	rq.True(result.Accepted)
	rq.False(result.Extended)
	rq.Equal(testNow.Add(10*time.Minute), result.Auction.EndTime)
}

func TestPlaceBidSellerAlwaysRejected(t *testing.T) {
	f := newEngineFixture(t)
	a := f.seed(t, nil)

	for _, amount := range []money.Amount{1, 10100, 1_000_000_00} {
		result := f.bid(t, a.ID, a.SellerID, amount)
		require.False(t, result.Accepted)
		require.Equal(t, domain.RejectSelfBid, result.Rejection.Reason)
	}
	require.Empty(t, f.events.Events())
}

func TestPlaceBidUnknownAuction(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.PlaceBid(context.Background(), PlaceBidRequest{AuctionID: "missing", BidderID: "b", Amount: 100})
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)
}

func TestPlaceBidMonotonicHistory(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, nil)

	amounts := []money.Amount{10100, 10150, 10300, 10300, 10250, 11000}
	for i, amount := range amounts {
		f.clock.Set(testNow.Add(time.Duration(i) * time.Second))
		f.bid(t, a.ID, "bidder-"+string(rune('a'+i%2)), amount)
	}

	history, err := f.engine.History(context.Background(), a.ID)
	rq.NoError(err)
	rq.Len(history, 3)
	for i := 1; i < len(history); i++ {
		rq.Greater(history[i].Amount, history[i-1].Amount)
	}

	stored, err := f.store.Get(context.Background(), a.ID)
	rq.NoError(err)
	rq.Equal(history[len(history)-1].Amount, stored.CurrentPrice)
	rq.Equal(3, stored.BidCount)
}

func TestPlaceBidConcurrentSameAmountSingleWinner(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, nil)

	const bidders = 50
	var (
		wg       sync.WaitGroup
		accepted int32
		tooLow   int32
	)

	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.engine.PlaceBid(context.Background(), PlaceBidRequest{
				AuctionID: a.ID,
				BidderID:  "bidder-" + string(rune('A'+i)),
				Amount:    10100,
			})
			if err != nil {
				t.Error(err)
				return
			}
			if result.Accepted {
				atomic.AddInt32(&accepted, 1)
				return
			}
			if result.Rejection.Reason == domain.RejectBidTooLow && result.Rejection.CurrentPrice == 10100 {
				atomic.AddInt32(&tooLow, 1)
			}
		}(i)
	}
	wg.Wait()

	rq.Equal(int32(1), accepted)
	rq.Equal(int32(bidders-1), tooLow)
	rq.Len(f.events.OfType(domain.EventNewBid), 1)
}

func TestPlaceBidConcurrentRisingAmounts(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.PlaceBid(context.Background(), PlaceBidRequest{
				AuctionID: a.ID,
				BidderID:  "bidder-" + string(rune('A'+i)),
				Amount:    money.Amount(10100 + i*100),
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	history, err := f.engine.History(context.Background(), a.ID)
	rq.NoError(err)
	rq.NotEmpty(history)
	for i := 1; i < len(history); i++ {
		rq.Greater(history[i].Amount, history[i-1].Amount)
		rq.Greater(history[i].Sequence, history[i-1].Sequence)
	}

	// events leave in commit order
	events := f.events.OfType(domain.EventNewBid)
	rq.Len(events, len(history))
	for i, event := range events {
		rq.Equal(history[i].ID, event.BidID)
	}
}

func TestPlaceBidDifferentAuctionsDoNotBlock(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, nil)
	b := f.seed(t, func(b *domain.Auction) { b.ID = "auction-2" })

	unlock, err := f.engine.locker.Lock(context.Background(), a.ID)
	rq.NoError(err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := f.engine.PlaceBid(ctx, PlaceBidRequest{AuctionID: b.ID, BidderID: "bidder-1", Amount: 10100})
	rq.NoError(err)
	rq.True(result.Accepted)
}

type conflictingStore struct {
	*memory.Store
	conflicts int32
}

func (s *conflictingStore) CommitBid(ctx context.Context, commit domain.BidCommit) error {
	if atomic.AddInt32(&s.conflicts, -1) >= 0 {
		return domain.ErrVersionConflict
	}
	return s.Store.CommitBid(ctx, commit)
}

func TestPlaceBidRetriesVersionConflicts(t *testing.T) {
	rq := require.New(t)
	store := memory.NewStore()
	f := newEngineFixtureWithState(t, &conflictingStore{Store: store, conflicts: 2}, store)
	a := f.seed(t, nil)

	result := f.bid(t, a.ID, "bidder-1", 10100)
	rq.True(result.Accepted)

	history, err := store.History(context.Background(), a.ID)
	rq.NoError(err)
	rq.Len(history, 1)
}

func TestPlaceBidGivesUpAfterMaxAttempts(t *testing.T) {
	rq := require.New(t)
	store := memory.NewStore()
	f := newEngineFixtureWithState(t, &conflictingStore{Store: store, conflicts: 100}, store)
	a := f.seed(t, nil)

	_, err := f.engine.PlaceBid(context.Background(), PlaceBidRequest{AuctionID: a.ID, BidderID: "bidder-1", Amount: 10100})
	rq.ErrorIs(err, domain.ErrTryAgain)
	rq.True(domain.IsRetryable(err))

	history, err := store.History(context.Background(), a.ID)
	rq.NoError(err)
	rq.Empty(history)
	rq.Empty(f.events.Events())
}

type failingStore struct {
	*memory.Store
	err error
}

func (s *failingStore) CommitBid(context.Context, domain.BidCommit) error {
	return s.err
}

func TestPlaceBidStoreFailureIsAtomic(t *testing.T) {
	rq := require.New(t)
	store := memory.NewStore()
	f := newEngineFixtureWithState(t, &failingStore{Store: store, err: errors.New("connection reset")}, store)
	a := f.seed(t, nil)

	_, err := f.engine.PlaceBid(context.Background(), PlaceBidRequest{AuctionID: a.ID, BidderID: "bidder-1", Amount: 10100})
	rq.ErrorIs(err, domain.ErrStoreUnavailable)
	rq.True(domain.IsRetryable(err))

	// the ledger append was rolled back with the failed state update
	history, err := store.History(context.Background(), a.ID)
	rq.NoError(err)
	rq.Empty(history)

	stored, err := store.Get(context.Background(), a.ID)
	rq.NoError(err)
	rq.EqualValues(10000, stored.CurrentPrice)
	rq.Empty(f.events.Events())
}

func TestPlaceBidPublishFailureDoesNotFailBid(t *testing.T) {
	f := newEngineFixture(t)
	f.events.err = errors.New("queue full")
	a := f.seed(t, nil)

	require.True(t, f.bid(t, a.ID, "bidder-1", 10100).Accepted)
}

func TestCloseAuctionWinner(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, nil)

	f.bid(t, a.ID, "bidder-1", 10100)
	f.bid(t, a.ID, "bidder-2", 10500)

	f.clock.Set(a.EndTime)
	result, err := f.engine.CloseAuction(context.Background(), a.ID)
	rq.NoError(err)
	rq.False(result.AlreadyClosed)
	rq.True(result.ReserveMet)
	rq.Equal("bidder-2", result.WinningBid.BidderID)
	rq.Equal(domain.AuctionEnded, result.Auction.Status)
	rq.Equal("bidder-2", *result.Auction.WinnerID)

	ended := f.events.OfType(domain.EventAuctionEnded)
	rq.Len(ended, 1)
	rq.Equal("bidder-2", *ended[0].WinnerID)
	rq.EqualValues(10500, ended[0].FinalPrice)
	rq.True(*ended[0].ReserveMet)
	rq.Contains(f.tracker.untracked, a.ID)
}

func TestCloseAuctionReserveNotMet(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, func(a *domain.Auction) { a.ReservePrice = 20000 })

	for _, amount := range []money.Amount{12000, 15000} {
		f.bid(t, a.ID, "bidder-1", amount)
	}

	f.clock.Set(a.EndTime.Add(time.Second))
	result, err := f.engine.CloseAuction(context.Background(), a.ID)
	rq.NoError(err)
	rq.False(result.ReserveMet)
	rq.Nil(result.WinningBid)
	rq.EqualValues(15000, result.HighestBid.Amount)

	stored, err := f.store.Get(context.Background(), a.ID)
	rq.NoError(err)
	rq.Equal(domain.AuctionEnded, stored.Status)
	rq.Nil(stored.WinnerID)

	ended := f.events.OfType(domain.EventAuctionEnded)
	rq.Len(ended, 1)
	rq.Nil(ended[0].WinnerID)
	rq.False(*ended[0].ReserveMet)
}

func TestCloseAuctionNoBids(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, nil)

	f.clock.Set(a.EndTime)
	result, err := f.engine.CloseAuction(context.Background(), a.ID)
	rq.NoError(err)
	rq.Nil(result.HighestBid)
	rq.Nil(result.Auction.WinnerID)
	rq.Len(f.events.OfType(domain.EventAuctionEndedNoBids), 1)
	rq.Empty(f.events.OfType(domain.EventAuctionEnded))
}

func TestCloseAuctionIsIdempotent(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, nil)
	f.bid(t, a.ID, "bidder-1", 10100)
	f.clock.Set(a.EndTime)

	var wg sync.WaitGroup
	results := make([]*CloseResult, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.engine.CloseAuction(context.Background(), a.ID)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	closedNow := 0
	for _, result := range results {
		rq.NotNil(result)
		if !result.AlreadyClosed {
			closedNow++
		}
		rq.Equal(domain.AuctionEnded, result.Auction.Status)
		rq.Equal("bidder-1", *result.Auction.WinnerID)
	}
	rq.Equal(1, closedNow)
	rq.Len(f.events.OfType(domain.EventAuctionEnded), 1)
}

func TestCloseAuctionNotDue(t *testing.T) {
	f := newEngineFixture(t)
	a := f.seed(t, nil)

	_, err := f.engine.CloseAuction(context.Background(), a.ID)
	require.ErrorIs(t, err, domain.ErrNotDue)
	require.Empty(t, f.events.Events())
}

func TestBidAtOrAfterEndIsRejected(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, nil)

	f.clock.Set(a.EndTime)
	result := f.bid(t, a.ID, "bidder-1", 10100)
	rq.False(result.Accepted)
	rq.Equal(domain.RejectAuctionNotActive, result.Rejection.Reason)

	_, err := f.engine.CloseAuction(context.Background(), a.ID)
	rq.NoError(err)

	result = f.bid(t, a.ID, "bidder-1", 10100)
	rq.False(result.Accepted)
	rq.Contains(result.Rejection.Message, "closed")
}

func TestCreateAuction(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)

	active, err := f.engine.CreateAuction(context.Background(), CreateAuctionParams{
		ProductID:     "product-1",
		SellerID:      "seller-1",
		StartingPrice: 20000,
		StartTime:     testNow,
		EndTime:       testNow.Add(time.Hour),
	})
	rq.NoError(err)
	rq.Equal(domain.AuctionActive, active.Status)
	rq.EqualValues(1000, active.MinIncrement)
	rq.EqualValues(20000, active.CurrentPrice)
	rq.Equal(5*time.Minute, active.AutoExtendWindow)
	rq.Len(f.events.OfType(domain.EventAuctionStarted), 1)

	tracked, ok := f.tracker.EndTime(active.ID)
	rq.True(ok)
	rq.Equal(active.EndTime, tracked)

	scheduled, err := f.engine.CreateAuction(context.Background(), CreateAuctionParams{
		ProductID:         "product-2",
		SellerID:          "seller-1",
		StartingPrice:     500,
		MinIncrement:      50,
		StartTime:         testNow.Add(time.Minute),
		EndTime:           testNow.Add(time.Hour),
		DisableAutoExtend: true,
	})
	rq.NoError(err)
	rq.Equal(domain.AuctionScheduled, scheduled.Status)
	rq.EqualValues(50, scheduled.MinIncrement)
	rq.Zero(scheduled.AutoExtendWindow)
	rq.Len(f.events.OfType(domain.EventAuctionStarted), 1)

	_, ok = f.tracker.EndTime(scheduled.ID)
	rq.False(ok)

	stored, err := f.engine.Auction(context.Background(), scheduled.ID)
	rq.NoError(err)
	rq.Equal(scheduled.ID, stored.ID)
}

func TestCreateAuctionValidation(t *testing.T) {
	testCases := []struct {
		name   string
		params CreateAuctionParams
	}{
		{
			name:   "Missing seller",
			params: CreateAuctionParams{ProductID: "p", StartingPrice: 100, StartTime: testNow, EndTime: testNow.Add(time.Hour)},
		},
		{
			name:   "Zero starting price",
			params: CreateAuctionParams{ProductID: "p", SellerID: "s", StartTime: testNow, EndTime: testNow.Add(time.Hour)},
		},
		{
			name:   "End before start",
			params: CreateAuctionParams{ProductID: "p", SellerID: "s", StartingPrice: 100, StartTime: testNow, EndTime: testNow.Add(-time.Hour)},
		},
		{
			name:   "Negative reserve",
			params: CreateAuctionParams{ProductID: "p", SellerID: "s", StartingPrice: 100, ReservePrice: -1, StartTime: testNow, EndTime: testNow.Add(time.Hour)},
		},
		{
			name:   "Starting price plus increment above maximum",
			params: CreateAuctionParams{ProductID: "p", SellerID: "s", StartingPrice: money.MaxAmount, MinIncrement: 1, StartTime: testNow, EndTime: testNow.Add(time.Hour)},
		},
		{
			name:   "Reserve above maximum",
			params: CreateAuctionParams{ProductID: "p", SellerID: "s", StartingPrice: 100, ReservePrice: money.MaxAmount + 1, StartTime: testNow, EndTime: testNow.Add(time.Hour)},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture(t)
			_, err := f.engine.CreateAuction(context.Background(), tc.params)
			require.ErrorIs(t, err, domain.ErrInvalidAuction)
			require.Equal(t, domain.CodeValidation, domain.CodeOf(err))
		})
	}
}

func TestStartAuction(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, func(a *domain.Auction) {
		a.Status = domain.AuctionScheduled
		a.StartTime = testNow.Add(time.Minute)
	})

	_, err := f.engine.StartAuction(context.Background(), a.ID)
	rq.ErrorIs(err, domain.ErrNotDue)

	rejected := f.bid(t, a.ID, "bidder-1", 10100)
	rq.Equal(domain.RejectAuctionNotActive, rejected.Rejection.Reason)
	rq.Contains(rejected.Rejection.Message, "not started")

	f.clock.Set(a.StartTime)
	started, err := f.engine.StartAuction(context.Background(), a.ID)
	rq.NoError(err)
	rq.Equal(domain.AuctionActive, started.Status)
	rq.Len(f.events.OfType(domain.EventAuctionStarted), 1)

	again, err := f.engine.StartAuction(context.Background(), a.ID)
	rq.NoError(err)
	rq.Equal(started.Version, again.Version)
	rq.Len(f.events.OfType(domain.EventAuctionStarted), 1)

	rq.True(f.bid(t, a.ID, "bidder-1", 10100).Accepted)
}

func TestCancelAuction(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, nil)

	cancelled, err := f.engine.CancelAuction(context.Background(), a.ID)
	rq.NoError(err)
	rq.Equal(domain.AuctionCancelled, cancelled.Status)
	rq.Len(f.events.OfType(domain.EventAuctionCancelled), 1)

	_, err = f.engine.CancelAuction(context.Background(), a.ID)
	rq.ErrorIs(err, domain.ErrInvalidTransition)

	result := f.bid(t, a.ID, "bidder-1", 10100)
	rq.False(result.Accepted)
	rq.Equal(domain.RejectAuctionNotActive, result.Rejection.Reason)

	f.clock.Set(a.EndTime)
	closed, err := f.engine.CloseAuction(context.Background(), a.ID)
	rq.NoError(err)
	rq.True(closed.AlreadyClosed)
	rq.Equal(domain.AuctionCancelled, closed.Auction.Status)
}

func TestHistoryUnknownAuction(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.History(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)
}

type mapSnapshotCache struct {
	mu        sync.Mutex
	snapshots map[string]*domain.Auction
	hits      int
}

func (c *mapSnapshotCache) Get(_ context.Context, auctionID string) (*domain.Auction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.snapshots[auctionID]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	c.hits++
	return a.Clone(), nil
}

func (c *mapSnapshotCache) Set(_ context.Context, auction *domain.Auction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.snapshots[auction.ID]; ok && current.Version > auction.Version {
		return nil
	}
	c.snapshots[auction.ID] = auction.Clone()
	return nil
}

func (c *mapSnapshotCache) Invalidate(_ context.Context, auctionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, auctionID)
	return nil
}

func TestAuctionReadsThroughSnapshotCache(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	cache := &mapSnapshotCache{snapshots: map[string]*domain.Auction{}}
	f.engine.SetSnapshotCache(cache)
	a := f.seed(t, nil)

	got, err := f.engine.Auction(context.Background(), a.ID)
	rq.NoError(err)
	rq.EqualValues(10000, got.CurrentPrice)
	rq.Zero(cache.hits)

	f.bid(t, a.ID, "bidder-1", 10100)

	got, err = f.engine.Auction(context.Background(), a.ID)
	rq.NoError(err)
	rq.EqualValues(10100, got.CurrentPrice)
	rq.Equal(1, cache.hits)
}

func TestPlaceBidAtMaximumAmountKeepsPriceMonotonic(t *testing.T) {
	rq := require.New(t)
	f := newEngineFixture(t)
	a := f.seed(t, func(a *domain.Auction) {
		a.CurrentPrice = money.MaxAmount - 100
	})

	rq.True(f.bid(t, a.ID, "bidder-1", money.MaxAmount).Accepted)

	result := f.bid(t, a.ID, "bidder-2", 1)
	rq.False(result.Accepted)
	rq.Equal(domain.RejectBidTooLow, result.Rejection.Reason)

	got, err := f.store.Get(context.Background(), a.ID)
	rq.NoError(err)
	rq.Equal(money.MaxAmount, got.CurrentPrice)
	rq.Equal("bidder-1", *got.LeaderID)
}

func TestScheduledAuctionIsStartedBeforeItCloses(t *testing.T) {
	rq := require.New(t)
	ctx := context.Background()
	f := newEngineFixture(t)
	a := f.seed(t, func(a *domain.Auction) {
		a.Status = domain.AuctionScheduled
		a.StartTime = testNow.Add(time.Minute)
		a.EndTime = testNow.Add(2 * time.Minute)
	})

	// an end timer firing before any sweep started the auction
	f.clock.Set(a.EndTime.Add(time.Second))
	_, err := f.engine.CloseAuction(ctx, a.ID)
	rq.ErrorIs(err, domain.ErrNotDue)

	got, err := f.store.Get(ctx, a.ID)
	rq.NoError(err)
	rq.Equal(domain.AuctionScheduled, got.Status)
	rq.Empty(f.events.Events())

	started, err := f.engine.StartAuction(ctx, a.ID)
	rq.NoError(err)
	tracked, ok := f.tracker.EndTime(a.ID)
	rq.True(ok)
	rq.Equal(started.EndTime, tracked)

	result, err := f.engine.CloseAuction(ctx, a.ID)
	rq.NoError(err)
	rq.Equal(domain.AuctionEnded, result.Auction.Status)

	events := f.events.Events()
	rq.Len(events, 2)
	rq.Equal(domain.EventAuctionStarted, events[0].Type)
	rq.Equal(domain.EventAuctionEndedNoBids, events[1].Type)
}
