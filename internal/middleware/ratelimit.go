package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"skillchat/internal/models"
	"skillchat/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// FailPolicy defines the behavior when the rate limit store (Redis) is unavailable.
type FailPolicy int

const (
	// FailOpen lets the caller through when Redis is unavailable.
	FailOpen FailPolicy = iota
	// FailClosed rejects the caller with UNAVAILABLE when Redis is unavailable.
	FailClosed
)

// Rule is a named fixed-window limit.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
	Policy FailPolicy
}

// Limits applied by the chat surfaces.
var (
	TypingRule           = Rule{Name: "typing", Limit: 10, Window: 10 * time.Second, Policy: FailOpen}
	OpenConversationRule = Rule{Name: "open_conversation", Limit: 30, Window: time.Minute, Policy: FailOpen}
	HistoryRule          = Rule{Name: "history", Limit: 120, Window: time.Minute, Policy: FailOpen}
)

// ErrNoLimiterStore is returned when limiting is enforced but no Redis client is configured.
var ErrNoLimiterStore = errors.New("rate limit store unavailable")

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

func rateLimitEnv() string {
	env := os.Getenv("APP_ENV")
	if cfg != nil && cfg.Env != "" {
		env = cfg.Env
	}
	if env == "" {
		env = "development"
	}
	return env
}

func limitKey(rule Rule, subject string) string {
	return "rl:" + rule.Name + ":" + subject
}

// Allow counts one hit for subject under rule. Limiting is disabled in the
// test, development and stress environments.
func Allow(ctx context.Context, rdb *redis.Client, rule Rule, subject string) (Decision, error) {
	switch rateLimitEnv() {
	case "test", "development", "stress":
		return Decision{Allowed: true, Remaining: rule.Limit, ResetIn: rule.Window}, nil
	}
	if rdb == nil {
		return Decision{}, ErrNoLimiterStore
	}

	key := limitKey(rule, subject)
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	// The window starts with SET NX so every counter carries an expiry; INCR keeps it.
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, rule.Window)
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	count := int(incr.Val())
	d := Decision{Allowed: count <= rule.Limit, Remaining: rule.Limit - count, ResetIn: ttl.Val()}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if d.ResetIn <= 0 {
		d.ResetIn = rule.Window
	}
	return d, nil
}

// Limit enforces rule per authenticated user, or per remote IP before auth.
func Limit(rdb *redis.Client, rule Rule) fiber.Handler {
	return func(c *fiber.Ctx) error {
		subject := "ip:" + c.IP()
		if uid, ok := c.Locals("userID").(uint); ok && uid != 0 {
			subject = fmt.Sprintf("user:%d", uid)
		}

		d, err := Allow(c.UserContext(), rdb, rule, subject)
		if err != nil {
			if rule.Policy == FailOpen {
				return c.Next()
			}
			observability.GlobalLogger.WarnContext(c.UserContext(), "rate limit fail-closed",
				slog.String("rule", rule.Name),
				slog.String("error", err.Error()),
			)
			return models.RespondWithError(c, models.NewUnavailableError("Rate limiting is temporarily unavailable", err))
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int((d.ResetIn+time.Second-1)/time.Second)))
			return models.RespondWithError(c, &models.AppError{Code: models.CodeRateLimited, Message: "Too many requests, slow down"})
		}
		return c.Next()
	}
}
