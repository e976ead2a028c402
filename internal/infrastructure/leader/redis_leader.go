package leader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"bidhub/pkg/logger"
)

const leaderKey = "bidhub:scheduler_leader"

// acquireScript takes the key when free and renews it when we already hold it.
var acquireScript = redis.NewScript(`
    local current = redis.call("GET", KEYS[1])
    if current == ARGV[1] then
        redis.call("PEXPIRE", KEYS[1], ARGV[2])
        return 1
    end
    if not current then
        redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
        return 1
    end
    return 0
`)

var renewScript = redis.NewScript(`
    if redis.call("GET", KEYS[1]) == ARGV[1] then
        return redis.call("PEXPIRE", KEYS[1], ARGV[2])
    else
        return 0
    end
`)

var releaseScript = redis.NewScript(`
    if redis.call("GET", KEYS[1]) == ARGV[1] then
        return redis.call("DEL", KEYS[1])
    else
        return 0
    end
`)

// RedisLeaderElection elects one scheduler instance through a TTL key. The
// holder keeps it alive with a heartbeat until released or lost.
type RedisLeaderElection struct {
	client *redis.Client
	ttl    time.Duration
	log    logger.Logger

	mu        sync.Mutex
	heartbeat chan struct{}
}

func NewRedisLeaderElection(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisLeaderElection {
	return &RedisLeaderElection{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

func (r *RedisLeaderElection) BecomeLeader(ctx context.Context, instanceID string) (bool, error) {
	result, err := acquireScript.Run(ctx, r.client, []string{leaderKey}, instanceID, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}

	leading := result == 1
	if leading {
		r.startHeartbeat(instanceID)
	}
	return leading, nil
}

func (r *RedisLeaderElection) IsLeader(ctx context.Context, instanceID string) (bool, error) {
	currentLeader, err := r.client.Get(ctx, leaderKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return currentLeader == instanceID, nil
}

func (r *RedisLeaderElection) ReleaseLeadership(ctx context.Context, instanceID string) error {
	r.stopHeartbeat()
	return releaseScript.Run(ctx, r.client, []string{leaderKey}, instanceID).Err()
}

func (r *RedisLeaderElection) startHeartbeat(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.heartbeat != nil {
		return
	}
	stop := make(chan struct{})
	r.heartbeat = stop
	go r.maintainLeadership(instanceID, stop)
}

func (r *RedisLeaderElection) stopHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.heartbeat != nil {
		close(r.heartbeat)
		r.heartbeat = nil
	}
}

func (r *RedisLeaderElection) maintainLeadership(instanceID string, stop chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3) // Refresh at 1/3 of TTL
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		result, err := renewScript.Run(ctx, r.client, []string{leaderKey}, instanceID, r.ttl.Milliseconds()).Int64()
		cancel()

		if err != nil || result == 0 {
			r.log.Warn("Lost scheduler leadership", "instance_id", instanceID, "error", err)
			r.mu.Lock()
			if r.heartbeat == stop {
				r.heartbeat = nil
			}
			r.mu.Unlock()
			return
		}
	}
}
