// Package bootstrap wires the storage, cache and realtime backplane a server
// process needs before it can accept connections.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"skillchat/internal/cache"
	"skillchat/internal/config"
	"skillchat/internal/database"
	"skillchat/internal/models"
	"skillchat/internal/notifications"
	"skillchat/internal/repository"
	"skillchat/internal/seed"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ErrRedisUnavailable reports that the process runs without Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

// Options control runtime initialization behavior.
type Options struct {
	SeedDemo bool
}

// Runtime holds the process-wide connections and repositories.
type Runtime struct {
	// DB is nil when the document store is configured.
	DB    *gorm.DB
	Mongo *mongo.Client
	Redis *redis.Client

	Chat  repository.ChatRepository
	Users repository.UserRepository
}

// InitRuntime connects to the configured store and Redis, provisions bot
// accounts and optionally seeds demo data.
func InitRuntime(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	rt := &Runtime{}

	switch cfg.DBDriver {
	case "mongo":
		client, mdb, err := repository.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := repository.EnsureMongoIndexes(ctx, mdb); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to create mongo indexes: %w", err)
		}
		rt.Mongo = client
		rt.Chat = repository.NewMongoChatRepository(mdb)
		rt.Users = repository.NewMongoUserRepository(mdb)
	default:
		db, err := database.Connect(cfg)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		rt.DB = db
		rt.Chat = repository.NewChatRepository(db)
		rt.Users = repository.NewUserRepository(db)
	}

	// Without Redis the service runs single-instance with no presence mirror or rate limits.
	rdb, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Printf("Redis connection warning: %v (continuing without redis)", err)
	} else {
		log.Println("Redis connected successfully")
		rt.Redis = rdb
	}

	if _, err := EnsureBotAccounts(ctx, rt.Users, cfg.ParseBotAccounts()); err != nil {
		_ = rt.Close(context.Background())
		return nil, fmt.Errorf("failed to provision bot accounts: %w", err)
	}

	if opts.SeedDemo {
		if _, err := seed.NewFactory(rt.Chat, rt.Users, 0).Demo(ctx, seed.DefaultOptions); err != nil {
			_ = rt.Close(context.Background())
			return nil, fmt.Errorf("failed to seed demo data: %w", err)
		}
	}

	return rt, nil
}

// EnsureBotAccounts creates the configured bot identities that do not exist
// yet. Bot accounts get an unusable random password. It returns how many
// accounts were created.
func EnsureBotAccounts(ctx context.Context, users repository.UserRepository, accounts []config.BotAccount) (int, error) {
	created := 0
	for _, acc := range accounts {
		existing, err := users.GetByEmail(ctx, acc.Email)
		switch {
		case err == nil:
			if !existing.IsBot {
				log.Printf("WARNING: bot account %s exists as a regular user; relying on BOT_EMAIL_PATTERN for its role", acc.Email)
			}
			continue
		case !models.IsNotFound(err):
			return created, err
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
		if err != nil {
			return created, fmt.Errorf("hash bot password: %w", err)
		}
		bot := &models.User{
			Username: acc.Username,
			Email:    acc.Email,
			Password: string(hash),
			IsBot:    true,
		}
		if err := users.Create(ctx, bot); err != nil {
			return created, fmt.Errorf("create bot %s: %w", acc.Email, err)
		}
		log.Printf("Provisioned bot account %s (id %d)", acc.Email, bot.ID)
		created++
	}
	return created, nil
}

// NewBackplane returns the cross-instance fan-out selected by BACKPLANE.
// Redis mode without a reachable Redis degrades to a single instance.
func NewBackplane(cfg *config.Config, rdb *redis.Client) (notifications.Backplane, error) {
	switch cfg.Backplane {
	case "nats":
		bp, err := notifications.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		return bp, nil
	case "none", "":
		return nil, nil
	default:
		if rdb == nil {
			log.Println("Backplane warning: redis unavailable, running as a single instance")
			return nil, nil
		}
		return notifications.NewRedisBackplane(rdb), nil
	}
}

// NewPresence builds the connection manager mirrored in rdb (nil keeps presence local).
func NewPresence(cfg *config.Config, rdb *redis.Client) (string, *notifications.ConnectionManager) {
	instanceID := uuid.NewString()
	return instanceID, notifications.NewConnectionManager(rdb, notifications.ConnectionManagerConfig{
		InstanceID:         instanceID,
		OfflineGracePeriod: cfg.PresenceOfflineGrace,
	})
}

// Ping checks every configured store. Redis is optional and reported separately.
func (rt *Runtime) Ping(ctx context.Context) (dbErr, redisErr error) {
	switch {
	case rt.DB != nil:
		sqlDB, err := rt.DB.DB()
		if err != nil {
			dbErr = err
		} else {
			dbErr = sqlDB.PingContext(ctx)
		}
	case rt.Mongo != nil:
		dbErr = rt.Mongo.Ping(ctx, nil)
	default:
		dbErr = errors.New("no database configured")
	}
	if rt.Redis != nil {
		redisErr = rt.Redis.Ping(ctx).Err()
	} else {
		redisErr = ErrRedisUnavailable
	}
	return dbErr, redisErr
}

// Close releases every connection, aggregating failures.
func (rt *Runtime) Close(ctx context.Context) error {
	var result *multierror.Error
	if rt.DB != nil {
		if sqlDB, err := rt.DB.DB(); err == nil {
			if cerr := sqlDB.Close(); cerr != nil {
				result = multierror.Append(result, fmt.Errorf("close sql DB: %w", cerr))
			}
		}
	}
	if rt.Mongo != nil {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rt.Mongo.Disconnect(dctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("disconnect mongo: %w", err))
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}
	return result.ErrorOrNil()
}
