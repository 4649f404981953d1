package notifications

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

type transitionCounter struct {
	online  int32
	offline int32
}

func (tc *transitionCounter) config(instance string) ConnectionManagerConfig {
	return ConnectionManagerConfig{
		InstanceID:    instance,
		OnUserOnline:  func(uint) { atomic.AddInt32(&tc.online, 1) },
		OnUserOffline: func(uint) { atomic.AddInt32(&tc.offline, 1) },
	}
}

func TestConnectionManager_LocalOnly(t *testing.T) {
	tc := &transitionCounter{}
	m := NewConnectionManager(nil, tc.config("solo"))
	defer m.Stop()
	ctx := context.Background()

	m.Register(ctx, 1)
	m.Register(ctx, 1)
	assert.True(t, m.IsOnline(ctx, 1))
	assert.ElementsMatch(t, []uint{1}, m.GetOnlineUserIDs(ctx))

	m.Unregister(ctx, 1)
	assert.True(t, m.IsOnline(ctx, 1))
	m.Unregister(ctx, 1)
	assert.False(t, m.IsOnline(ctx, 1))

	// Unknown users are ignored.
	m.Unregister(ctx, 99)

	assert.Equal(t, int32(1), atomic.LoadInt32(&tc.online))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tc.offline))
}

func TestConnectionManager_GraceSuppressesFlap(t *testing.T) {
	tc := &transitionCounter{}
	cfg := tc.config("solo")
	cfg.OfflineGracePeriod = 50 * time.Millisecond
	m := NewConnectionManager(nil, cfg)
	defer m.Stop()
	ctx := context.Background()

	m.Register(ctx, 2)
	m.Unregister(ctx, 2)
	assert.True(t, m.IsOnline(ctx, 2))
	m.Register(ctx, 2)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.IsOnline(ctx, 2))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tc.online))
	assert.Equal(t, int32(0), atomic.LoadInt32(&tc.offline))

	m.Unregister(ctx, 2)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&tc.offline) == 1 }, time.Second, 10*time.Millisecond)
}

func TestConnectionManager_SingleTransitionAcrossInstances(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	tcA, tcB := &transitionCounter{}, &transitionCounter{}
	a := NewConnectionManager(rdb, tcA.config("a"))
	b := NewConnectionManager(rdb, tcB.config("b"))
	defer a.Stop()
	defer b.Stop()

	a.Register(ctx, 5)
	b.Register(ctx, 5)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tcA.online)+atomic.LoadInt32(&tcB.online))

	assert.True(t, b.IsOnline(ctx, 5))
	a.Unregister(ctx, 5)
	assert.True(t, a.IsOnline(ctx, 5), "session on b keeps the user online")
	assert.Equal(t, int32(0), atomic.LoadInt32(&tcA.offline))

	b.Unregister(ctx, 5)
	assert.False(t, a.IsOnline(ctx, 5))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tcA.offline)+atomic.LoadInt32(&tcB.offline))
}

func TestConnectionManager_RoomPresenceAcrossInstances(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	a := NewConnectionManager(rdb, ConnectionManagerConfig{InstanceID: "a"})
	b := NewConnectionManager(rdb, ConnectionManagerConfig{InstanceID: "b"})
	defer a.Stop()
	defer b.Stop()

	b.JoinRoom(ctx, 30, 8)
	assert.True(t, a.InRoomElsewhere(ctx, 30, 8))
	assert.False(t, b.InRoomElsewhere(ctx, 30, 8), "own instance is checked locally")

	b.LeaveRoom(ctx, 30, 8)
	assert.False(t, a.InRoomElsewhere(ctx, 30, 8))
}

func TestConnectionManager_ReapsDeadInstance(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	tcA := &transitionCounter{}
	a := NewConnectionManager(rdb, tcA.config("a"))
	defer a.Stop()
	b := NewConnectionManager(rdb, ConnectionManagerConfig{InstanceID: "b", InstanceTTL: 3 * time.Second})

	b.Register(ctx, 6)
	b.JoinRoom(ctx, 40, 6)
	assert.True(t, a.IsOnline(ctx, 6))

	// b dies without cleanup; its heartbeat expires.
	b.stopOnce.Do(func() { close(b.stopCh) })
	mr.FastForward(5 * time.Second)

	assert.False(t, a.InRoomElsewhere(ctx, 40, 6))
	a.reapOnce(ctx)
	assert.False(t, a.IsOnline(ctx, 6))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tcA.offline))

	members, err := rdb.SMembers(ctx, defaultPresenceOnlineSetKey).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}
