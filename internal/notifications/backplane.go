package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"strconv"
	"strings"

	"skillchat/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Envelope scopes.
const (
	ScopeRoom = "room"
	ScopeUser = "user"
)

// Envelope carries one emission between instances.
type Envelope struct {
	Origin     string          `json:"origin"`
	Scope      string          `json:"scope"`
	Target     uint            `json:"target"`
	Except     string          `json:"except,omitempty"`
	ExceptUser uint            `json:"except_user,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Backplane fans room and personal-channel emissions out to every instance.
type Backplane interface {
	Name() string
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, onEnvelope func(Envelope)) error
	Close() error
}

// ConversationChannel derives the Redis channel name for a conversation room.
func ConversationChannel(conversationID uint) string {
	return "chat:conv:" + strconv.FormatUint(uint64(conversationID), 10)
}

// UserChannel derives the Redis channel name for a personal channel.
func UserChannel(userID uint) string {
	return "notifications:user:" + strconv.FormatUint(uint64(userID), 10)
}

func safeDispatch(name string, onEnvelope func(Envelope), raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC in %s subscriber: %v\n%s", name, r, debug.Stack())
		}
	}()
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		observability.BackplaneMessages.WithLabelValues(name, "dropped").Inc()
		log.Printf("%s: failed to decode envelope: %v", name, err)
		return
	}
	observability.BackplaneMessages.WithLabelValues(name, "received").Inc()
	onEnvelope(env)
}

// RedisBackplane publishes envelopes on Redis pub/sub channels.
type RedisBackplane struct {
	rdb *redis.Client
}

// NewRedisBackplane creates a Redis-backed backplane.
func NewRedisBackplane(rdb *redis.Client) *RedisBackplane {
	return &RedisBackplane{rdb: rdb}
}

// Name returns the backplane label used in metrics.
func (b *RedisBackplane) Name() string { return "redis" }

// Publish sends env on the room or personal channel it targets.
func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	if b.rdb == nil {
		return nil
	}
	channel := ConversationChannel(env.Target)
	if env.Scope == ScopeUser {
		channel = UserChannel(env.Target)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return err
	}
	observability.BackplaneMessages.WithLabelValues(b.Name(), "published").Inc()
	return nil
}

// Subscribe pattern-subscribes to every room and personal channel until ctx is done.
func (b *RedisBackplane) Subscribe(ctx context.Context, onEnvelope func(Envelope)) error {
	if b.rdb == nil {
		return nil
	}
	sub := b.rdb.PSubscribe(ctx, "chat:conv:*", "notifications:user:*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis backplane subscribe: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				safeDispatch(b.Name(), onEnvelope, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBackplane) Close() error { return nil }

// NATSBackplane publishes envelopes on NATS subjects chat.conv.<id> and chat.user.<id>.
type NATSBackplane struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// ConnectNATS dials url and returns a backplane that owns the connection.
func ConnectNATS(url string) (*NATSBackplane, error) {
	nc, err := nats.Connect(url,
		nats.Name("skillchat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats backplane disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("nats backplane reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewNATSBackplane(nc), nil
}

// NewNATSBackplane wraps an existing connection.
func NewNATSBackplane(nc *nats.Conn) *NATSBackplane {
	return &NATSBackplane{nc: nc}
}

// Name returns the backplane label used in metrics.
func (b *NATSBackplane) Name() string { return "nats" }

func natsSubject(env Envelope) string {
	kind := "conv"
	if env.Scope == ScopeUser {
		kind = "user"
	}
	return "chat." + kind + "." + strconv.FormatUint(uint64(env.Target), 10)
}

// Publish sends env on its subject.
func (b *NATSBackplane) Publish(_ context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.nc.Publish(natsSubject(env), payload); err != nil {
		return err
	}
	observability.BackplaneMessages.WithLabelValues(b.Name(), "published").Inc()
	return nil
}

// Subscribe listens on chat.> until ctx is done.
func (b *NATSBackplane) Subscribe(ctx context.Context, onEnvelope func(Envelope)) error {
	sub, err := b.nc.Subscribe("chat.>", func(msg *nats.Msg) {
		if !strings.HasPrefix(msg.Subject, "chat.") {
			return
		}
		safeDispatch(b.Name(), onEnvelope, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats backplane subscribe: %w", err)
	}
	b.sub = sub
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Close drains the connection.
func (b *NATSBackplane) Close() error {
	if b.nc == nil || b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}
