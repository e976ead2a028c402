package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"bidhub/pkg/logger"
)

func newElection(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSingleLeader(t *testing.T) {
	rq := require.New(t)
	ctx := context.Background()
	mr, client := newElection(t)

	first := NewRedisLeaderElection(client, time.Minute, logger.NewNop())
	second := NewRedisLeaderElection(client, time.Minute, logger.NewNop())

	leading, err := first.BecomeLeader(ctx, "instance-1")
	rq.NoError(err)
	rq.True(leading)

	// renewing is idempotent for the holder
	leading, err = first.BecomeLeader(ctx, "instance-1")
	rq.NoError(err)
	rq.True(leading)

	leading, err = second.BecomeLeader(ctx, "instance-2")
	rq.NoError(err)
	rq.False(leading)

	isLeader, err := second.IsLeader(ctx, "instance-2")
	rq.NoError(err)
	rq.False(isLeader)

	// releasing someone else's leadership is a no-op
	rq.NoError(second.ReleaseLeadership(ctx, "instance-2"))
	rq.True(mr.Exists(leaderKey))

	rq.NoError(first.ReleaseLeadership(ctx, "instance-1"))
	rq.False(mr.Exists(leaderKey))

	leading, err = second.BecomeLeader(ctx, "instance-2")
	rq.NoError(err)
	rq.True(leading)
	rq.NoError(second.ReleaseLeadership(ctx, "instance-2"))
}

func TestLeadershipExpires(t *testing.T) {
	rq := require.New(t)
	ctx := context.Background()
	mr, client := newElection(t)

	first := NewRedisLeaderElection(client, time.Minute, logger.NewNop())
	leading, err := first.BecomeLeader(ctx, "instance-1")
	rq.NoError(err)
	rq.True(leading)
	rq.True(mr.TTL(leaderKey) > 0)

	mr.FastForward(2 * time.Minute)

	second := NewRedisLeaderElection(client, time.Minute, logger.NewNop())
	leading, err = second.BecomeLeader(ctx, "instance-2")
	rq.NoError(err)
	rq.True(leading)

	isLeader, err := first.IsLeader(ctx, "instance-1")
	rq.NoError(err)
	rq.False(isLeader)

	rq.NoError(first.ReleaseLeadership(ctx, "instance-1"))
	rq.NoError(second.ReleaseLeadership(ctx, "instance-2"))
}
