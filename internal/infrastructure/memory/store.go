package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bidhub/internal/domain"
)

// Store keeps auctions and their bid ledger in process memory. It implements
// domain.AuctionStateStore, domain.BidLedger and domain.Transactor, and is
// used for single-instance deployments and tests.
type Store struct {
	mu       sync.RWMutex
	auctions map[string]*domain.Auction
	bids     map[string][]*domain.Bid
	sequence map[string]int64
	// pending holds ids of bids appended by a transaction that has not committed
	pending map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		auctions: make(map[string]*domain.Auction),
		bids:     make(map[string][]*domain.Bid),
		sequence: make(map[string]int64),
		pending:  make(map[string]struct{}),
	}
}

type txKey struct{}

// journal collects undo steps for the writes made inside one transaction,
// plus the steps that publish those writes once it commits.
type journal struct {
	mu      sync.Mutex
	undo    []func()
	publish []func()
}

func (j *journal) record(fn func()) {
	j.mu.Lock()
	j.undo = append(j.undo, fn)
	j.mu.Unlock()
}

func (j *journal) onCommit(fn func()) {
	j.mu.Lock()
	j.publish = append(j.publish, fn)
	j.mu.Unlock()
}

func (j *journal) commit() {
	j.mu.Lock()
	publish := j.publish
	j.undo, j.publish = nil, nil
	j.mu.Unlock()

	for _, fn := range publish {
		fn()
	}
}

func (j *journal) rollback() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

func journalFrom(ctx context.Context) *journal {
	j, _ := ctx.Value(txKey{}).(*journal)
	return j
}

// WithinTransaction rolls back every write made through ctx when fn fails.
// Nested calls join the outer transaction.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if journalFrom(ctx) != nil {
		return fn(ctx)
	}

	j := &journal{}
	if err := fn(context.WithValue(ctx, txKey{}, j)); err != nil {
		j.rollback()
		return err
	}
	j.commit()
	return nil
}

func (s *Store) Create(ctx context.Context, auction *domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auctions[auction.ID]; exists {
		return fmt.Errorf("%w: auction %s already exists", domain.ErrInvalidAuction, auction.ID)
	}

	stored := auction.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.auctions[auction.ID] = stored

	if j := journalFrom(ctx); j != nil {
		j.record(func() {
			s.mu.Lock()
			delete(s.auctions, auction.ID)
			s.mu.Unlock()
		})
	}
	return nil
}

func (s *Store) Get(_ context.Context, auctionID string) (*domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auction, ok := s.auctions[auctionID]
	if !ok {
		return nil, domain.ErrAuctionNotFound
	}
	return auction.Clone(), nil
}

func (s *Store) CommitBid(ctx context.Context, commit domain.BidCommit) error {
	return s.mutate(ctx, commit.AuctionID, commit.ExpectedVersion, func(a *domain.Auction) {
		leader := commit.LeaderID
		a.CurrentPrice = commit.NewPrice
		a.LeaderID = &leader
		a.EndTime = commit.NewEndTime
		a.BidCount++
		a.UpdatedAt = commit.UpdatedAt
	})
}

func (s *Store) UpdateStatus(ctx context.Context, auctionID string, expectedVersion int64, status domain.AuctionStatus) error {
	return s.mutate(ctx, auctionID, expectedVersion, func(a *domain.Auction) {
		a.Status = status
		a.UpdatedAt = time.Now().UTC()
	})
}

func (s *Store) CloseAuction(ctx context.Context, auctionID string, expectedVersion int64, winnerID *string) error {
	return s.mutate(ctx, auctionID, expectedVersion, func(a *domain.Auction) {
		a.Status = domain.AuctionEnded
		a.WinnerID = nil
		if winnerID != nil {
			w := *winnerID
			a.WinnerID = &w
		}
		a.UpdatedAt = time.Now().UTC()
	})
}

// mutate applies change when the stored version matches and bumps the version.
func (s *Store) mutate(ctx context.Context, auctionID string, expectedVersion int64, change func(a *domain.Auction)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.auctions[auctionID]
	if !ok {
		return domain.ErrAuctionNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrVersionConflict
	}

	next := current.Clone()
	change(next)
	next.Version++
	s.auctions[auctionID] = next

	if j := journalFrom(ctx); j != nil {
		previous := current
		j.record(func() {
			s.mu.Lock()
			s.auctions[auctionID] = previous
			s.mu.Unlock()
		})
	}
	return nil
}

func (s *Store) ListDue(_ context.Context, now time.Time, horizon time.Duration) ([]*domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(horizon)
	var due []*domain.Auction
	for _, a := range s.auctions {
		switch {
		case a.Status == domain.AuctionScheduled && !a.StartTime.After(now):
			due = append(due, a.Clone())
		case a.Status == domain.AuctionActive && !a.EndTime.After(cutoff):
			due = append(due, a.Clone())
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].EndTime.Before(due[j].EndTime)
	})
	return due, nil
}

// Append records an accepted bid and assigns its per-auction sequence.
func (s *Store) Append(ctx context.Context, bid *domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[bid.AuctionID]; !ok {
		return domain.ErrAuctionNotFound
	}

	s.sequence[bid.AuctionID]++
	bid.Sequence = s.sequence[bid.AuctionID]

	stored := *bid
	s.bids[bid.AuctionID] = append(s.bids[bid.AuctionID], &stored)

	if j := journalFrom(ctx); j != nil {
		// readers skip the bid until the transaction commits
		s.pending[stored.ID] = struct{}{}
		j.onCommit(func() {
			s.mu.Lock()
			delete(s.pending, stored.ID)
			s.mu.Unlock()
		})
		j.record(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.pending, stored.ID)
			bids := s.bids[bid.AuctionID]
			for i := len(bids) - 1; i >= 0; i-- {
				if bids[i].ID == stored.ID {
					s.bids[bid.AuctionID] = append(bids[:i:i], bids[i+1:]...)
					break
				}
			}
		})
	}
	return nil
}

func (s *Store) HighestBid(_ context.Context, auctionID string) (*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var highest *domain.Bid
	for _, bid := range s.bids[auctionID] {
		if _, ok := s.pending[bid.ID]; ok {
			continue
		}
		if highest == nil || bid.Amount > highest.Amount {
			highest = bid
		}
	}
	if highest == nil {
		return nil, nil
	}
	b := *highest
	return &b, nil
}

func (s *Store) History(_ context.Context, auctionID string) ([]*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bids := s.bids[auctionID]
	history := make([]*domain.Bid, 0, len(bids))
	for _, bid := range bids {
		if _, ok := s.pending[bid.ID]; ok {
			continue
		}
		b := *bid
		history = append(history, &b)
	}

	sort.SliceStable(history, func(i, j int) bool {
		if history[i].AcceptedAt.Equal(history[j].AcceptedAt) {
			return history[i].Sequence < history[j].Sequence
		}
		return history[i].AcceptedAt.Before(history[j].AcceptedAt)
	})
	return history, nil
}
