package notifications

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPresenceOnlineSetKey = "ws:online_users"
	defaultPresenceUserKeyNS    = "ws:presence:"
	defaultPresenceRoomKeyNS    = "ws:room:"
	defaultInstanceKeyNS        = "ws:instance:"
	defaultInstanceTTL          = 90 * time.Second
	defaultReaperInterval       = 60 * time.Second
)

// ConnectionManagerConfig controls Redis presence and cleanup behavior.
type ConnectionManagerConfig struct {
	InstanceID string
	// OfflineGracePeriod delays the offline transition so quick reconnects do
	// not flap; zero finalizes synchronously on the last disconnect.
	OfflineGracePeriod time.Duration
	InstanceTTL        time.Duration
	ReaperInterval     time.Duration
	OnUserOnline       func(userID uint)
	OnUserOffline      func(userID uint)
}

// ConnectionManager counts sessions per user, mirrors them in Redis per
// instance, and emits online/offline transitions exactly once cluster-wide.
//
// Redis layout: the online set holds every user with a session somewhere;
// ws:presence:<user> maps instance id to that instance's session count;
// ws:room:<conv> maps "<user>@<instance>" to in-room session counts; and
// ws:instance:<id> is a heartbeat key whose expiry marks a dead instance.
type ConnectionManager struct {
	rdb        *redis.Client
	instanceID string

	mu              sync.RWMutex
	localConnCounts map[uint]int
	localRoomCounts map[uint]map[uint]int
	offlineTimers   map[uint]*time.Timer

	offlineGrace   time.Duration
	instanceTTL    time.Duration
	reaperInterval time.Duration

	onUserOnline  func(userID uint)
	onUserOffline func(userID uint)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewConnectionManager creates a manager and, when Redis is available, starts
// the instance heartbeat and the reaper.
func NewConnectionManager(rdb *redis.Client, cfg ConnectionManagerConfig) *ConnectionManager {
	m := &ConnectionManager{
		rdb:             rdb,
		instanceID:      cfg.InstanceID,
		localConnCounts: make(map[uint]int),
		localRoomCounts: make(map[uint]map[uint]int),
		offlineTimers:   make(map[uint]*time.Timer),
		offlineGrace:    cfg.OfflineGracePeriod,
		instanceTTL:     defaultInstanceTTL,
		reaperInterval:  defaultReaperInterval,
		onUserOnline:    cfg.OnUserOnline,
		onUserOffline:   cfg.OnUserOffline,
		stopCh:          make(chan struct{}),
	}
	if m.instanceID == "" {
		m.instanceID = "local"
	}
	if cfg.InstanceTTL > 0 {
		m.instanceTTL = cfg.InstanceTTL
	}
	if cfg.ReaperInterval > 0 {
		m.reaperInterval = cfg.ReaperInterval
	}

	if m.rdb != nil {
		m.heartbeat(context.Background())
		go m.backgroundLoop()
	}
	return m
}

// SetCallbacks replaces the transition callbacks.
func (m *ConnectionManager) SetCallbacks(onOnline, onOffline func(userID uint)) {
	m.mu.Lock()
	m.onUserOnline = onOnline
	m.onUserOffline = onOffline
	m.mu.Unlock()
}

// SetOfflineGracePeriod changes the grace window for future disconnects.
func (m *ConnectionManager) SetOfflineGracePeriod(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	m.offlineGrace = d
	m.mu.Unlock()
}

// Stop halts background loops and pending offline timers and removes this
// instance's heartbeat so peers reap its sessions promptly.
func (m *ConnectionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for userID, timer := range m.offlineTimers {
			timer.Stop()
			delete(m.offlineTimers, userID)
		}
		m.mu.Unlock()
		if m.rdb != nil {
			_ = m.rdb.Del(context.Background(), m.instanceKey(m.instanceID)).Err()
		}
	})
}

// Register counts a new session for userID and emits online when it is the
// user's first session anywhere.
func (m *ConnectionManager) Register(ctx context.Context, userID uint) {
	m.mu.Lock()
	_, pending := m.offlineTimers[userID]
	if pending {
		m.offlineTimers[userID].Stop()
		delete(m.offlineTimers, userID)
	}
	wasLocal := m.localConnCounts[userID] > 0 || pending
	m.localConnCounts[userID]++
	count := m.localConnCounts[userID]
	m.mu.Unlock()

	first := !wasLocal
	if m.rdb != nil {
		uid := userKey(userID)
		pipe := m.rdb.TxPipeline()
		added := pipe.SAdd(ctx, defaultPresenceOnlineSetKey, uid)
		pipe.HSet(ctx, defaultPresenceUserKeyNS+uid, m.instanceID, count)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("presence register failed for user %d: %v", userID, err)
		} else {
			first = added.Val() == 1
		}
	}

	if first {
		m.emit(userID, true)
	}
}

// Unregister drops one session; the last one starts the offline grace window.
func (m *ConnectionManager) Unregister(ctx context.Context, userID uint) {
	m.mu.Lock()
	n, ok := m.localConnCounts[userID]
	if !ok {
		m.mu.Unlock()
		return
	}
	n--
	if n > 0 {
		m.localConnCounts[userID] = n
		m.mu.Unlock()
		if m.rdb != nil {
			_ = m.rdb.HSet(ctx, defaultPresenceUserKeyNS+userKey(userID), m.instanceID, n).Err()
		}
		return
	}
	delete(m.localConnCounts, userID)
	grace := m.offlineGrace
	m.mu.Unlock()

	if m.rdb != nil {
		if err := m.rdb.HDel(ctx, defaultPresenceUserKeyNS+userKey(userID), m.instanceID).Err(); err != nil {
			log.Printf("presence unregister failed for user %d: %v", userID, err)
		}
	}

	if grace <= 0 {
		m.finalizeOffline(ctx, userID)
		return
	}

	// finalizeOffline re-checks local sessions, so a Register racing this is safe.
	m.mu.Lock()
	if t, ok := m.offlineTimers[userID]; ok {
		t.Stop()
	}
	m.offlineTimers[userID] = time.AfterFunc(grace, func() {
		m.finalizeOffline(context.Background(), userID)
	})
	m.mu.Unlock()
}

// IsOnline reports whether userID has a session on this or any live instance.
func (m *ConnectionManager) IsOnline(ctx context.Context, userID uint) bool {
	m.mu.RLock()
	_, pending := m.offlineTimers[userID]
	local := m.localConnCounts[userID] > 0 || pending
	m.mu.RUnlock()
	if local {
		return true
	}
	return m.remoteOnline(ctx, userID)
}

// JoinRoom counts a session of userID inside convID.
func (m *ConnectionManager) JoinRoom(ctx context.Context, convID, userID uint) {
	m.mu.Lock()
	if m.localRoomCounts[convID] == nil {
		m.localRoomCounts[convID] = make(map[uint]int)
	}
	m.localRoomCounts[convID][userID]++
	count := m.localRoomCounts[convID][userID]
	m.mu.Unlock()

	if m.rdb != nil {
		_ = m.rdb.HSet(ctx, m.roomKey(convID), m.roomField(userID), count).Err()
	}
}

// LeaveRoom drops one in-room session of userID.
func (m *ConnectionManager) LeaveRoom(ctx context.Context, convID, userID uint) {
	m.mu.Lock()
	users := m.localRoomCounts[convID]
	if users == nil || users[userID] == 0 {
		m.mu.Unlock()
		return
	}
	users[userID]--
	count := users[userID]
	if count == 0 {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.localRoomCounts, convID)
		}
	}
	m.mu.Unlock()

	if m.rdb == nil {
		return
	}
	if count == 0 {
		_ = m.rdb.HDel(ctx, m.roomKey(convID), m.roomField(userID)).Err()
	} else {
		_ = m.rdb.HSet(ctx, m.roomKey(convID), m.roomField(userID), count).Err()
	}
}

// InRoomElsewhere reports whether userID has an in-room session for convID on another live instance.
func (m *ConnectionManager) InRoomElsewhere(ctx context.Context, convID, userID uint) bool {
	if m.rdb == nil {
		return false
	}
	fields, err := m.rdb.HKeys(ctx, m.roomKey(convID)).Result()
	if err != nil {
		return false
	}
	prefix := userKey(userID) + "@"
	for _, f := range fields {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		inst := strings.TrimPrefix(f, prefix)
		if inst == m.instanceID {
			continue
		}
		if m.instanceAlive(ctx, inst) {
			return true
		}
		_ = m.rdb.HDel(ctx, m.roomKey(convID), f).Err()
	}
	return false
}

// GetOnlineUserIDs returns users online anywhere, unioned with local sessions.
func (m *ConnectionManager) GetOnlineUserIDs(ctx context.Context) []uint {
	local := m.localUserIDs()
	if m.rdb == nil {
		return local
	}

	members, err := m.rdb.SMembers(ctx, defaultPresenceOnlineSetKey).Result()
	if err != nil {
		return local
	}

	seen := make(map[uint]struct{}, len(members)+len(local))
	result := make([]uint, 0, len(members)+len(local))
	for _, userID := range local {
		seen[userID] = struct{}{}
		result = append(result, userID)
	}
	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			continue
		}
		userID := uint(id64)
		if _, ok := seen[userID]; ok {
			continue
		}
		if m.remoteOnline(ctx, userID) {
			seen[userID] = struct{}{}
			result = append(result, userID)
		}
	}
	return result
}

func (m *ConnectionManager) remoteOnline(ctx context.Context, userID uint) bool {
	if m.rdb == nil {
		return false
	}
	key := defaultPresenceUserKeyNS + userKey(userID)
	instances, err := m.rdb.HKeys(ctx, key).Result()
	if err != nil {
		return false
	}
	for _, inst := range instances {
		if inst == m.instanceID {
			continue
		}
		if m.instanceAlive(ctx, inst) {
			return true
		}
		_ = m.rdb.HDel(ctx, key, inst).Err()
	}
	return false
}

func (m *ConnectionManager) instanceAlive(ctx context.Context, inst string) bool {
	exists, err := m.rdb.Exists(ctx, m.instanceKey(inst)).Result()
	return err == nil && exists > 0
}

func (m *ConnectionManager) heartbeat(ctx context.Context) {
	if err := m.rdb.SetEx(ctx, m.instanceKey(m.instanceID), strconv.FormatInt(time.Now().Unix(), 10), m.instanceTTL).Err(); err != nil {
		log.Printf("presence heartbeat failed for instance %s: %v", m.instanceID, err)
	}
}

// reapOnce is test-visible and performs one cleanup pass: users whose only
// sessions lived on dead instances are taken offline.
func (m *ConnectionManager) reapOnce(ctx context.Context) {
	if m.rdb == nil {
		return
	}

	members, err := m.rdb.SMembers(ctx, defaultPresenceOnlineSetKey).Result()
	if err != nil {
		return
	}

	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			continue
		}
		userID := uint(id64)
		if m.IsOnline(ctx, userID) {
			continue
		}
		removed, err := m.rdb.SRem(ctx, defaultPresenceOnlineSetKey, raw).Result()
		if err == nil && removed == 1 {
			m.emit(userID, false)
		}
	}
}

func (m *ConnectionManager) backgroundLoop() {
	ctx := context.Background()
	heartbeat := time.NewTicker(m.instanceTTL / 3)
	reaper := time.NewTicker(m.reaperInterval)
	defer heartbeat.Stop()
	defer reaper.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-heartbeat.C:
			m.heartbeat(ctx)
		case <-reaper.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *ConnectionManager) finalizeOffline(ctx context.Context, userID uint) {
	m.mu.Lock()
	delete(m.offlineTimers, userID)
	if m.localConnCounts[userID] > 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.rdb != nil {
		if m.remoteOnline(ctx, userID) {
			return
		}
		removed, err := m.rdb.SRem(ctx, defaultPresenceOnlineSetKey, userKey(userID)).Result()
		if err == nil && removed == 0 {
			// Another instance already emitted the transition.
			return
		}
	}

	m.emit(userID, false)
}

// touch refreshes this instance's heartbeat on client activity.
func (m *ConnectionManager) touch(ctx context.Context) {
	if m.rdb != nil {
		m.heartbeat(ctx)
	}
}

func (m *ConnectionManager) emit(userID uint, online bool) {
	m.mu.RLock()
	cb := m.onUserOffline
	if online {
		cb = m.onUserOnline
	}
	m.mu.RUnlock()
	if cb != nil {
		cb(userID)
	}
}

func (m *ConnectionManager) localUserIDs() []uint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint, 0, len(m.localConnCounts))
	for userID, count := range m.localConnCounts {
		if count > 0 {
			ids = append(ids, userID)
		}
	}
	return ids
}

func (m *ConnectionManager) instanceKey(inst string) string {
	return defaultInstanceKeyNS + inst
}

func (m *ConnectionManager) roomKey(convID uint) string {
	return defaultPresenceRoomKeyNS + strconv.FormatUint(uint64(convID), 10)
}

func (m *ConnectionManager) roomField(userID uint) string {
	return userKey(userID) + "@" + m.instanceID
}

func userKey(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}
