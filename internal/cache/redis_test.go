package cache

import (
	"context"
	"testing"

	"skillchat/internal/observability"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	rdb, err := Connect(ctx, mr.Addr())
	require.NoError(t, err)
	require.NoError(t, rdb.Set(ctx, "k", "v", 0).Err())
	_ = rdb.Close()

	rdb, err = Connect(ctx, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	_ = rdb.Close()

	_, err = Connect(ctx, "")
	assert.ErrorIs(t, err, ErrNoAddress)

	_, err = Connect(ctx, "redis://:bad@%zz")
	assert.Error(t, err)

	mr.Close()
	_, err = Connect(ctx, mr.Addr())
	assert.Error(t, err)
}

func TestKeyspace(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		cmd  redis.Cmder
		want string
	}{
		{redis.NewIntCmd(ctx, "sadd", "ws:online_users", "1"), KeyspacePresence},
		{redis.NewIntCmd(ctx, "incr", "rl:typing:user:1"), KeyspaceRateLimit},
		{redis.NewIntCmd(ctx, "publish", "chat:conv:1", "x"), KeyspaceBackplane},
		{redis.NewStatusCmd(ctx, "ping"), KeyspaceOther},
		{redis.NewStringCmd(ctx, "get", "something"), KeyspaceOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Keyspace(tt.cmd), tt.cmd.Name())
	}
}

func TestErrorHook_CountsByKeyspace(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rdb, err := Connect(ctx, mr.Addr())
	require.NoError(t, err)
	defer func() { _ = rdb.Close() }()

	counter := observability.RedisErrors.WithLabelValues("incr", KeyspaceRateLimit)
	before := testutil.ToFloat64(counter)

	// A missing key is not an error.
	require.ErrorIs(t, rdb.Get(ctx, "rl:missing").Err(), redis.Nil)
	assert.Equal(t, before, testutil.ToFloat64(counter))

	mr.SetError("READONLY replica")
	require.Error(t, rdb.Incr(ctx, "rl:typing:user:1").Err())
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
