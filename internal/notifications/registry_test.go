package notifications

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(id string) *Client {
	return &Client{ID: id, Send: make(chan []byte, 16), rooms: make(map[uint]struct{})}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	presence := NewConnectionManager(nil, ConnectionManagerConfig{InstanceID: "test"})
	r := NewRegistry("test", presence)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func attach(t *testing.T, r *Registry, id string, userID uint) *Client {
	t.Helper()
	c := newTestClient(id)
	require.NoError(t, r.AttachClient(c))
	if userID != 0 {
		_, err := r.Register(context.Background(), c, userID)
		require.NoError(t, err)
	}
	return c
}

func decode(t *testing.T, raw []byte) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	c := attach(t, r, "c1", 0)

	fresh, err := r.Register(context.Background(), c, 7)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = r.Register(context.Background(), c, 7)
	require.NoError(t, err)
	assert.False(t, fresh)

	_, err = r.Register(context.Background(), c, 8)
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	r.mu.RLock()
	assert.Len(t, r.userConns[7], 1)
	r.mu.RUnlock()
}

func TestRegistry_PerUserLimit(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < maxConnsPerUser; i++ {
		attach(t, r, string(rune('a'+i)), 3)
	}
	extra := attach(t, r, "extra", 0)
	_, err := r.Register(context.Background(), extra, 3)
	assert.ErrorIs(t, err, ErrUserLimit)
}

func TestRegistry_OnlineOfflineTransitions(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var events []string
	r.Presence().SetCallbacks(
		func(uid uint) { mu.Lock(); events = append(events, "online"); mu.Unlock() },
		func(uid uint) { mu.Lock(); events = append(events, "offline"); mu.Unlock() },
	)

	a := attach(t, r, "a", 5)
	b := attach(t, r, "b", 5)
	assert.True(t, r.IsOnline(context.Background(), 5))

	r.Deregister(a)
	assert.True(t, r.IsOnline(context.Background(), 5))
	r.Deregister(b)
	assert.False(t, r.IsOnline(context.Background(), 5))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"online", "offline"}, events)
}

func TestRegistry_BroadcastToRoomExcludesSender(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	sender := attach(t, r, "s", 1)
	peer := attach(t, r, "p", 2)
	outsider := attach(t, r, "o", 3)

	assert.True(t, r.JoinRoom(ctx, sender, 10))
	assert.False(t, r.JoinRoom(ctx, sender, 10))
	r.JoinRoom(ctx, peer, 10)

	r.BroadcastToRoom(ctx, 10, MustEncode(EventTyping, map[string]uint{"conversationId": 10}), sender.ID)

	assert.Empty(t, drain(sender))
	assert.Empty(t, drain(outsider))
	got := drain(peer)
	require.Len(t, got, 1)
	assert.Equal(t, EventTyping, decode(t, got[0]).Name)
}

func TestRegistry_BroadcastToOthersSkipsEverySessionOfUser(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	phone := attach(t, r, "phone", 1)
	laptop := attach(t, r, "laptop", 1)
	peer := attach(t, r, "peer", 2)
	for _, c := range []*Client{phone, laptop, peer} {
		r.JoinRoom(ctx, c, 7)
	}
	payload := MustEncode(EventReceiverOnline, PresencePayload{UserID: 1, ConversationID: 7})

	r.BroadcastToOthers(ctx, 7, payload, 1)
	assert.Empty(t, drain(phone))
	assert.Empty(t, drain(laptop))
	assert.Len(t, drain(peer), 1)

	// The exclusion also holds for emissions relayed from other instances.
	r.HandleEnvelope(Envelope{Origin: "other", Scope: ScopeRoom, Target: 7, ExceptUser: 1, Payload: payload})
	assert.Empty(t, drain(phone))
	assert.Empty(t, drain(laptop))
	assert.Len(t, drain(peer), 1)
}

func TestRegistry_SendToUserReachesEverySession(t *testing.T) {
	r := newTestRegistry(t)
	phone := attach(t, r, "phone", 9)
	laptop := attach(t, r, "laptop", 9)

	r.SendToUser(context.Background(), 9, MustEncode(EventNewMessageNotice, map[string]string{"content": "hi"}))

	assert.Len(t, drain(phone), 1)
	assert.Len(t, drain(laptop), 1)
}

func TestRegistry_IsUserInRoom(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	c := attach(t, r, "c", 4)

	assert.False(t, r.IsUserInRoom(ctx, 4, 12))
	r.JoinRoom(ctx, c, 12)
	assert.True(t, r.IsUserInRoom(ctx, 4, 12))
	assert.True(t, r.HasRoomListeners(12))
	assert.Equal(t, []uint{12}, r.RoomsOf(c))

	r.LeaveRoom(ctx, c, 12)
	assert.False(t, r.IsUserInRoom(ctx, 4, 12))
	assert.False(t, r.HasRoomListeners(12))
}

func TestRegistry_DeregisterLeavesRoomsAndClosesSend(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	c := attach(t, r, "c", 4)
	r.JoinRoom(ctx, c, 1)
	r.JoinRoom(ctx, c, 2)

	r.Deregister(c)
	r.Deregister(c)

	assert.False(t, r.HasRoomListeners(1))
	assert.False(t, r.HasRoomListeners(2))
	assert.Equal(t, 0, r.ConnectionCount())
	_, ok := <-c.Send
	assert.False(t, ok)
}

func TestRegistry_HandleEnvelopeSkipsOwnOrigin(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	c := attach(t, r, "c", 1)
	r.JoinRoom(ctx, c, 3)
	payload := MustEncode(EventReceiveMessage, map[string]string{"content": "x"})

	r.HandleEnvelope(Envelope{Origin: "test", Scope: ScopeRoom, Target: 3, Payload: payload})
	assert.Empty(t, drain(c))

	r.HandleEnvelope(Envelope{Origin: "other", Scope: ScopeRoom, Target: 3, Payload: payload})
	assert.Len(t, drain(c), 1)

	r.HandleEnvelope(Envelope{Origin: "other", Scope: ScopeUser, Target: 1, Payload: payload})
	assert.Len(t, drain(c), 1)
}

func TestRegistry_ShutdownNotifiesClients(t *testing.T) {
	presence := NewConnectionManager(nil, ConnectionManagerConfig{InstanceID: "test"})
	r := NewRegistry("test", presence)
	c := attach(t, r, "c", 1)

	require.NoError(t, r.Shutdown(context.Background()))

	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventServerShutdown, decode(t, msgs[0]).Name)
	select {
	case _, ok := <-c.Send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send channel was not closed")
	}
}

func TestClient_TrySendFullBufferQueuesNothingMore(t *testing.T) {
	c := &Client{ID: "x", Send: make(chan []byte, 1)}
	c.TrySend([]byte("one"))
	c.TrySend([]byte("two"))
	assert.Len(t, c.Send, 1)

	c.close()
	assert.NotPanics(t, func() { c.TrySend([]byte("three")) })
}
