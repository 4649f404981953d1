// Package cache provides Redis client bootstrap and in-process caches.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"skillchat/internal/observability"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Keyspaces the service writes to. Errors are labelled with them so a failing
// presence mirror is told apart from a failing rate limiter.
const (
	KeyspacePresence  = "presence"
	KeyspaceRateLimit = "ratelimit"
	KeyspaceBackplane = "backplane"
	KeyspaceOther     = "other"
)

// ErrNoAddress is returned by Connect when no Redis address is configured.
var ErrNoAddress = errors.New("redis address not configured")

// Keyspace classifies a command by the key or channel it touches.
func Keyspace(cmd redis.Cmder) string {
	switch strings.ToLower(cmd.Name()) {
	case "publish", "subscribe", "psubscribe", "unsubscribe", "punsubscribe":
		return KeyspaceBackplane
	}
	args := cmd.Args()
	if len(args) < 2 {
		return KeyspaceOther
	}
	key, _ := args[1].(string)
	switch {
	case strings.HasPrefix(key, "ws:"):
		return KeyspacePresence
	case strings.HasPrefix(key, "rl:"):
		return KeyspaceRateLimit
	case strings.HasPrefix(key, "chat:conv:"), strings.HasPrefix(key, "notifications:user:"):
		return KeyspaceBackplane
	}
	return KeyspaceOther
}

type errorHook struct{}

func (errorHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (errorHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrors.WithLabelValues(cmd.Name(), Keyspace(cmd)).Inc()
		}
		return err
	}
}

// Pipelines are attributed to the keyspace of their first failing command.
func (errorHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err == nil || errors.Is(err, redis.Nil) {
			return err
		}
		space := KeyspaceOther
		for _, cmd := range cmds {
			if cmd.Err() != nil && !errors.Is(cmd.Err(), redis.Nil) {
				space = Keyspace(cmd)
				break
			}
		}
		observability.RedisErrors.WithLabelValues("pipeline", space).Inc()
		return err
	}
}

// NewClient builds a client from a URL ("redis://...") or a bare host:port
// address without contacting the server.
func NewClient(addr string) (*redis.Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, ErrNoAddress
	}
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL %q: %w", addr, err)
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)
	rdb.AddHook(errorHook{})
	return rdb, nil
}

// Connect returns a client that answered PING. On failure nothing is left open.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb, err := NewClient(addr)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}
