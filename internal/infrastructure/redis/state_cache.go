package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"bidhub/internal/domain"
	"bidhub/pkg/money"
)

// setIfNewer stores a snapshot unless a newer version is already cached.
var setIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) > tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisStateCache keeps read-side auction snapshots shared by every instance.
type RedisStateCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStateCache(client *redis.Client, ttl time.Duration) *RedisStateCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisStateCache{client: client, ttl: ttl}
}

type auctionSnapshot struct {
	ID               string       `json:"id"`
	ProductID        string       `json:"product_id"`
	SellerID         string       `json:"seller_id"`
	StartingPrice    money.Amount `json:"starting_price"`
	CurrentPrice     money.Amount `json:"current_price"`
	MinIncrement     money.Amount `json:"min_increment"`
	ReservePrice     money.Amount `json:"reserve_price"`
	StartTime        time.Time    `json:"start_time"`
	EndTime          time.Time    `json:"end_time"`
	Status           int          `json:"status"`
	WinnerID         *string      `json:"winner_id,omitempty"`
	LeaderID         *string      `json:"leader_id,omitempty"`
	BidCount         int          `json:"bid_count"`
	AutoExtendWindow int64        `json:"auto_extend_window_ms"`
	AutoExtendBy     int64        `json:"auto_extend_by_ms"`
	Version          int64        `json:"version"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func toSnapshot(a *domain.Auction) auctionSnapshot {
	return auctionSnapshot{
		ID:               a.ID,
		ProductID:        a.ProductID,
		SellerID:         a.SellerID,
		StartingPrice:    a.StartingPrice,
		CurrentPrice:     a.CurrentPrice,
		MinIncrement:     a.MinIncrement,
		ReservePrice:     a.ReservePrice,
		StartTime:        a.StartTime,
		EndTime:          a.EndTime,
		Status:           int(a.Status),
		WinnerID:         a.WinnerID,
		LeaderID:         a.LeaderID,
		BidCount:         a.BidCount,
		AutoExtendWindow: a.AutoExtendWindow.Milliseconds(),
		AutoExtendBy:     a.AutoExtendBy.Milliseconds(),
		Version:          a.Version,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func (s auctionSnapshot) toAuction() *domain.Auction {
	return &domain.Auction{
		ID:               s.ID,
		ProductID:        s.ProductID,
		SellerID:         s.SellerID,
		StartingPrice:    s.StartingPrice,
		CurrentPrice:     s.CurrentPrice,
		MinIncrement:     s.MinIncrement,
		ReservePrice:     s.ReservePrice,
		StartTime:        s.StartTime,
		EndTime:          s.EndTime,
		Status:           domain.AuctionStatus(s.Status),
		WinnerID:         s.WinnerID,
		LeaderID:         s.LeaderID,
		BidCount:         s.BidCount,
		AutoExtendWindow: time.Duration(s.AutoExtendWindow) * time.Millisecond,
		AutoExtendBy:     time.Duration(s.AutoExtendBy) * time.Millisecond,
		Version:          s.Version,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func snapshotKey(auctionID string) string {
	return fmt.Sprintf("bidhub:auction:%s", auctionID)
}

func (r *RedisStateCache) Get(ctx context.Context, auctionID string) (*domain.Auction, error) {
	data, err := r.client.HGet(ctx, snapshotKey(auctionID), "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, err
	}

	var snapshot auctionSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, fmt.Errorf("decode auction snapshot: %w", err)
	}
	return snapshot.toAuction(), nil
}

func (r *RedisStateCache) Set(ctx context.Context, auction *domain.Auction) error {
	data, err := json.Marshal(toSnapshot(auction))
	if err != nil {
		return err
	}

	return setIfNewer.Run(ctx, r.client,
		[]string{snapshotKey(auction.ID)},
		auction.Version,
		string(data),
		r.ttl.Milliseconds(),
	).Err()
}

func (r *RedisStateCache) Invalidate(ctx context.Context, auctionID string) error {
	return r.client.Del(ctx, snapshotKey(auctionID)).Err()
}
