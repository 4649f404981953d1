// Package server contains the HTTP and WebSocket entrypoints of the chat service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"skillchat/internal/bootstrap"
	"skillchat/internal/cache"
	"skillchat/internal/config"
	"skillchat/internal/middleware"
	"skillchat/internal/models"
	"skillchat/internal/notifications"
	"skillchat/internal/repository"
	"skillchat/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
)

var (
	promOnce sync.Once
	promHTTP *fiberprometheus.FiberPrometheus
)

// httpMetrics returns the process-wide HTTP collector; registering it twice
// on the default registry would panic.
func httpMetrics() *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		promHTTP = middleware.InitMetrics("skillchat-api")
	})
	return promHTTP
}

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	runtime        *bootstrap.Runtime
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	startOnce      sync.Once

	chatRepo repository.ChatRepository
	userRepo repository.UserRepository

	registry   *notifications.Registry
	backplane  notifications.Backplane
	messaging  *service.MessagingService
	reconciler *service.Reconciler

	// TracerShutdown flushes the tracer provider on Shutdown when set.
	TracerShutdown func(context.Context) error
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{})
	if err != nil {
		return nil, err
	}

	bp, err := bootstrap.NewBackplane(cfg, rt.Redis)
	if err != nil {
		_ = rt.Close(context.Background())
		return nil, fmt.Errorf("backplane setup failed: %w", err)
	}

	completer := service.NewHTTPCompleter(cfg.CompletionURL, cfg.CompletionAPIKey, cfg.CompletionModel, cfg.CompletionTimeout)
	srv, err := NewServerWithDeps(cfg, rt, bp, completer)
	if err != nil {
		if bp != nil {
			_ = bp.Close()
		}
		_ = rt.Close(context.Background())
		return nil, err
	}
	return srv, nil
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this in tests or when a bootstrap layer establishes the stores. bp may
// be nil for a single instance.
func NewServerWithDeps(cfg *config.Config, rt *bootstrap.Runtime, bp notifications.Backplane, completer service.Completer) (*Server, error) {
	middleware.InitMiddleware(cfg)

	roles, err := service.NewRoleResolver(cfg.BotEmailPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid bot email pattern: %w", err)
	}

	instanceID, presence := bootstrap.NewPresence(cfg, rt.Redis)
	registry := notifications.NewRegistry(instanceID, presence)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         cfg,
		runtime:        rt,
		redis:          rt.Redis,
		promMiddleware: httpMetrics(),
		shutdownCtx:    ctx,
		shutdownFn:     cancel,
		chatRepo:       rt.Chat,
		userRepo:       rt.Users,
		registry:       registry,
		backplane:      bp,
	}
	s.messaging = service.NewMessagingService(rt.Chat, rt.Users, registry, completer, service.Options{
		CompletionTimeout: cfg.CompletionTimeout,
		FallbackText:      cfg.BotFallbackText,
		Roles:             roles,
		ConversationCache: cache.NewConversationCache(30 * time.Second),
	})

	if err := registry.StartWiring(ctx, bp); err != nil {
		cancel()
		presence.Stop()
		return nil, fmt.Errorf("failed to wire %s backplane: %w", bp.Name(), err)
	}

	if cfg.ReconcileCron != "" {
		s.reconciler, err = service.NewReconciler(s.messaging, cfg.ReconcileCron)
		if err != nil {
			cancel()
			presence.Stop()
			return nil, err
		}
	}
	return s, nil
}

// Messaging exposes the routing engine.
func (s *Server) Messaging() *service.MessagingService { return s.messaging }

// Registry exposes the presence registry.
func (s *Server) Registry() *notifications.Registry { return s.registry }

// NewApp builds the fiber application with middleware and routes installed.
func (s *Server) NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "SkillChat API",
		BodyLimit: 1 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			log.Printf("Error: %v", err)
			return models.RespondWithError(c, models.NewInternalError(err))
		},
	})
	s.app = app
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// SetupMiddleware installs the global middleware chain.
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	app.Use(middleware.TracingMiddleware())

	// Context Middleware to propagate Request ID and User ID
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())

	// Structured Logging middleware (after requestid and context middleware)
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: origins != "*",
		MaxAge:           86400,
	}))

	// Global rate limiting (100 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Path() == "/ws"
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes registers health, metrics, realtime and REST routes.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	app.Get("/ws", middleware.WebSocketAuthRequired, s.WebSocketUpgrade, s.WebSocketChatHandler())

	api := app.Group("/api", middleware.AuthRequired)
	conversations := api.Group("/conversations")
	conversations.Get("/", s.GetConversations)
	conversations.Post("/", middleware.Limit(s.redis, middleware.OpenConversationRule), s.OpenConversation)
	conversations.Get("/:id/messages", middleware.Limit(s.redis, middleware.HistoryRule), s.GetMessages)
}

// LivenessCheck reports that the process is serving.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "alive",
		"time":   time.Now(),
	})
}

// ReadinessCheck verifies the database and Redis connections.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbErr, redisErr := s.runtime.Ping(ctx)

	dbStatus := "healthy"
	if dbErr != nil {
		dbStatus = "unhealthy"
	}
	redisStatus := "healthy"
	switch {
	case errors.Is(redisErr, bootstrap.ErrRedisUnavailable):
		// Redis is optional for a single instance.
		redisStatus = "unavailable"
	case redisErr != nil:
		redisStatus = "unhealthy"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database":  dbStatus,
			"redis":     redisStatus,
			"instance":  s.registry.InstanceID(),
			"websocket": s.registry.ConnectionCount(),
		},
		"time": time.Now(),
	})
}

// StartBackground launches scheduled jobs. It is safe to call more than once.
func (s *Server) StartBackground() {
	s.startOnce.Do(func() {
		if s.reconciler != nil {
			s.reconciler.Start(s.shutdownCtx)
		}
	})
}

// Start builds the app, starts background jobs and listens on the configured port.
func (s *Server) Start() error {
	app := s.NewApp()
	s.StartBackground()
	log.Printf("Server starting on port %s (instance %s)...", s.config.Port, s.registry.InstanceID())
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server, aggregating every failure.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	// Stop background jobs and backplane subscriptions
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http server: %w", err))
		}
	}

	if err := s.registry.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("%s registry: %w", s.registry.Name(), err))
	}

	if s.backplane != nil {
		if err := s.backplane.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s backplane: %w", s.backplane.Name(), err))
		}
	}

	if s.runtime != nil {
		if err := s.runtime.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if s.TracerShutdown != nil {
		if err := s.TracerShutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("tracer: %w", err))
		}
	}

	log.Println("Server shutdown complete")
	return result.ErrorOrNil()
}
