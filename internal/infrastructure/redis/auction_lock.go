package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"bidhub/internal/domain"
	"bidhub/pkg/logger"
)

// releaseIfOwner deletes the lock only while it still holds our token.
var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// AuctionLock is a per-auction mutex shared by every instance. The TTL must
// outlast the longest critical section; an expired lock is simply taken over.
type AuctionLock struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	log    logger.Logger
}

func NewAuctionLock(client *redis.Client, ttl, retry time.Duration, log logger.Logger) *AuctionLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retry <= 0 {
		retry = 10 * time.Millisecond
	}
	return &AuctionLock{client: client, ttl: ttl, retry: retry, log: log}
}

func lockKey(auctionID string) string {
	return fmt.Sprintf("bidhub:lock:auction:%s", auctionID)
}

func (l *AuctionLock) Lock(ctx context.Context, auctionID string) (func(), error) {
	key := lockKey(auctionID)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrLockTimeout, ctxErr)
			}
			return nil, fmt.Errorf("acquire auction lock: %w", err)
		}
		if acquired {
			return l.unlockFunc(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *AuctionLock) unlockFunc(key, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := releaseIfOwner.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.log.Warn("Failed to release auction lock", "key", key, "error", err)
		}
	}
}
