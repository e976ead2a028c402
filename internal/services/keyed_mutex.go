package services

import (
	"context"
	"fmt"
	"sync"

	"bidhub/internal/domain"
)

// KeyedMutex is an in-process per-auction lock. Entries are reference counted
// and removed once nobody holds or waits for them, so the map only grows with
// the number of auctions currently being touched.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until the auction's lock is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, auctionID string) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[auctionID]
	if !ok {
		entry = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[auctionID] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(auctionID, entry)
		return nil, fmt.Errorf("%w: %v", domain.ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			k.release(auctionID, entry)
		})
	}, nil
}

func (k *KeyedMutex) release(auctionID string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, auctionID)
	}
}

// Len is the number of auctions with a held or awaited lock.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
