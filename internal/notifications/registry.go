package notifications

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"skillchat/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Max connections per user
	maxConnsPerUser = 12
	// Max total connections
	maxTotalConns = 10000
)

// Errors returned by Attach and Register.
var (
	ErrServerFull       = errors.New("server connection limit reached")
	ErrUserLimit        = errors.New("user connection limit reached")
	ErrIdentityMismatch = errors.New("connection already set up for another user")
)

// Registry is the Presence Registry: it tracks live connections, the user each
// one is set up for, and the conversation rooms each one has joined.
//
// Every emission is delivered to local sessions and, when a backplane is
// wired, published for other instances. Online/offline transitions come from
// the ConnectionManager and are surfaced through its callbacks.
type Registry struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	userConns  map[uint]map[*Client]struct{}
	rooms      map[uint]map[*Client]struct{}
	totalConns int

	instanceID string
	presence   *ConnectionManager
	backplane  Backplane
	wsLog      *observability.WSLogger
}

// NewRegistry creates a registry backed by presence for online tracking.
func NewRegistry(instanceID string, presence *ConnectionManager) *Registry {
	if presence == nil {
		presence = NewConnectionManager(nil, ConnectionManagerConfig{InstanceID: instanceID})
	}
	return &Registry{
		clients:    make(map[*Client]struct{}),
		userConns:  make(map[uint]map[*Client]struct{}),
		rooms:      make(map[uint]map[*Client]struct{}),
		instanceID: instanceID,
		presence:   presence,
		wsLog:      observability.NewWSLogger("chat"),
	}
}

// Name returns a human-readable identifier for this hub.
func (r *Registry) Name() string { return "chat" }

// InstanceID identifies this process on the backplane.
func (r *Registry) InstanceID() string { return r.instanceID }

// Presence exposes the connection manager.
func (r *Registry) Presence() *ConnectionManager { return r.presence }

// Attach admits a new connection before setup. It fails when the process is full.
func (r *Registry) Attach(conn *websocket.Conn) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totalConns >= maxTotalConns {
		return nil, ErrServerFull
	}
	c := NewClient(conn)
	c.registry = r
	r.clients[c] = struct{}{}
	r.totalConns++
	observability.ActiveWebSockets.Inc()
	return c, nil
}

// AttachClient admits an already constructed client (used by tests and tools).
func (r *Registry) AttachClient(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totalConns >= maxTotalConns {
		return ErrServerFull
	}
	if c.rooms == nil {
		c.rooms = make(map[uint]struct{})
	}
	c.registry = r
	r.clients[c] = struct{}{}
	r.totalConns++
	observability.ActiveWebSockets.Inc()
	return nil
}

// Register associates c with userID. It reports whether the association is
// new; repeating setup for the same user is a no-op.
func (r *Registry) Register(ctx context.Context, c *Client, userID uint) (bool, error) {
	r.mu.Lock()
	if c.UserID != 0 {
		r.mu.Unlock()
		if c.UserID != userID {
			return false, ErrIdentityMismatch
		}
		return false, nil
	}
	conns := r.userConns[userID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		r.userConns[userID] = conns
	}
	if len(conns) >= maxConnsPerUser {
		r.mu.Unlock()
		return false, ErrUserLimit
	}
	c.UserID = userID
	conns[c] = struct{}{}
	r.mu.Unlock()

	r.wsLog.LogConnect(ctx, userID, c.ID)
	r.presence.Register(ctx, userID)
	return true, nil
}

// Deregister detaches c from its user and every room, then closes its send
// queue. The user's offline transition follows once no session remains.
func (r *Registry) Deregister(c *Client) {
	ctx := context.Background()

	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c)
	r.totalConns--
	observability.ActiveWebSockets.Dec()

	rooms := make([]uint, 0, len(c.rooms))
	for convID := range c.rooms {
		r.removeFromRoomLocked(c, convID)
		rooms = append(rooms, convID)
	}
	userID := c.UserID
	if userID != 0 {
		if conns, ok := r.userConns[userID]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(r.userConns, userID)
			}
		}
	}
	r.mu.Unlock()

	c.close()

	if userID == 0 {
		return
	}
	for _, convID := range rooms {
		r.presence.LeaveRoom(ctx, convID, userID)
	}
	r.wsLog.LogDisconnect(ctx, userID, c.ID, "closed")
	r.presence.Unregister(ctx, userID)
}

// JoinRoom adds c to convID's room. It reports false when c was already in it.
func (r *Registry) JoinRoom(ctx context.Context, c *Client, convID uint) bool {
	r.mu.Lock()
	if _, ok := c.rooms[convID]; ok || c.UserID == 0 {
		r.mu.Unlock()
		return false
	}
	if r.rooms[convID] == nil {
		r.rooms[convID] = make(map[*Client]struct{})
	}
	r.rooms[convID][c] = struct{}{}
	c.rooms[convID] = struct{}{}
	userID := c.UserID
	r.mu.Unlock()

	r.presence.JoinRoom(ctx, convID, userID)
	return true
}

// LeaveRoom removes c from convID's room.
func (r *Registry) LeaveRoom(ctx context.Context, c *Client, convID uint) {
	r.mu.Lock()
	if _, ok := c.rooms[convID]; !ok {
		r.mu.Unlock()
		return
	}
	r.removeFromRoomLocked(c, convID)
	userID := c.UserID
	r.mu.Unlock()

	r.presence.LeaveRoom(ctx, convID, userID)
}

func (r *Registry) removeFromRoomLocked(c *Client, convID uint) {
	delete(c.rooms, convID)
	if members, ok := r.rooms[convID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, convID)
		}
	}
}

// InRoom reports whether c has joined convID.
func (r *Registry) InRoom(c *Client, convID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := c.rooms[convID]
	return ok
}

// IsUserInRoom reports whether any session of userID, on any instance, has joined convID.
func (r *Registry) IsUserInRoom(ctx context.Context, userID, convID uint) bool {
	r.mu.RLock()
	for c := range r.userConns[userID] {
		if _, ok := c.rooms[convID]; ok {
			r.mu.RUnlock()
			return true
		}
	}
	r.mu.RUnlock()
	return r.presence.InRoomElsewhere(ctx, convID, userID)
}

// HasRoomListeners reports whether convID has local sessions.
func (r *Registry) HasRoomListeners(convID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[convID]) > 0
}

// Distributed reports whether emissions are fanned out to other instances.
func (r *Registry) Distributed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backplane != nil
}

// RoomsOf returns the rooms c has joined, sorted.
func (r *Registry) RoomsOf(c *Client) []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsOnline reports whether userID has at least one session anywhere.
func (r *Registry) IsOnline(ctx context.Context, userID uint) bool {
	return r.presence.IsOnline(ctx, userID)
}

// ConnectionCount returns the number of attached connections on this instance.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalConns
}

// BroadcastToRoom delivers payload to every session in convID's room except
// the connection exceptConnID.
func (r *Registry) BroadcastToRoom(ctx context.Context, convID uint, payload []byte, exceptConnID string) {
	if payload == nil {
		return
	}
	r.deliverRoom(convID, payload, exceptConnID, 0)
	r.publish(ctx, Envelope{Scope: ScopeRoom, Target: convID, Except: exceptConnID, Payload: payload})
}

// BroadcastToOthers delivers payload to every session in convID's room that
// does not belong to userID.
func (r *Registry) BroadcastToOthers(ctx context.Context, convID uint, payload []byte, userID uint) {
	if payload == nil {
		return
	}
	r.deliverRoom(convID, payload, "", userID)
	r.publish(ctx, Envelope{Scope: ScopeRoom, Target: convID, ExceptUser: userID, Payload: payload})
}

// SendToUser delivers payload on userID's personal channel.
func (r *Registry) SendToUser(ctx context.Context, userID uint, payload []byte) {
	if payload == nil {
		return
	}
	r.deliverUser(userID, payload)
	r.publish(ctx, Envelope{Scope: ScopeUser, Target: userID, Payload: payload})
}

func (r *Registry) deliverRoom(convID uint, payload []byte, exceptConnID string, exceptUser uint) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.rooms[convID] {
		if c.ID == exceptConnID || (exceptUser != 0 && c.UserID == exceptUser) {
			continue
		}
		c.TrySend(payload)
	}
}

func (r *Registry) deliverUser(userID uint, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.userConns[userID] {
		c.TrySend(payload)
	}
}

func (r *Registry) publish(ctx context.Context, env Envelope) {
	r.mu.RLock()
	bp := r.backplane
	r.mu.RUnlock()
	if bp == nil {
		return
	}
	env.Origin = r.instanceID
	if err := bp.Publish(ctx, env); err != nil {
		observability.BackplaneMessages.WithLabelValues(bp.Name(), "dropped").Inc()
		log.Printf("Registry: backplane publish failed (%s %d): %v", env.Scope, env.Target, err)
	}
}

// HandleEnvelope delivers an emission published by another instance.
func (r *Registry) HandleEnvelope(env Envelope) {
	if env.Origin == r.instanceID {
		return
	}
	switch env.Scope {
	case ScopeRoom:
		r.deliverRoom(env.Target, env.Payload, env.Except, env.ExceptUser)
	case ScopeUser:
		r.deliverUser(env.Target, env.Payload)
	}
}

// StartWiring subscribes the registry to bp and publishes future emissions on it.
func (r *Registry) StartWiring(ctx context.Context, bp Backplane) error {
	if bp == nil {
		return nil
	}
	if err := bp.Subscribe(ctx, r.HandleEnvelope); err != nil {
		return err
	}
	r.mu.Lock()
	r.backplane = bp
	r.mu.Unlock()
	r.wsLog.LogLifecycle(ctx, "backplane_wired", map[string]interface{}{"backplane": bp.Name(), "instance": r.instanceID})
	return nil
}

func (r *Registry) touch(_ uint) {
	r.presence.touch(context.Background())
}

// Shutdown notifies and closes every connection and stops presence tracking.
// Closing Send makes each WritePump emit a close frame and exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	notice := MustEncode(EventServerShutdown, map[string]string{"message": "Server is shutting down"})

	r.mu.Lock()
	for c := range r.clients {
		c.TrySend(notice)
		c.close()
	}
	count := len(r.clients)
	r.clients = make(map[*Client]struct{})
	r.userConns = make(map[uint]map[*Client]struct{})
	r.rooms = make(map[uint]map[*Client]struct{})
	observability.ActiveWebSockets.Sub(float64(r.totalConns))
	r.totalConns = 0
	r.mu.Unlock()

	r.wsLog.LogLifecycle(ctx, "shutdown", map[string]interface{}{"connections": count})
	r.presence.Stop()
	return nil
}
