package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/db"
	"switchboard/internal/events"
	"switchboard/internal/handlers"
	"switchboard/internal/middleware"
	"switchboard/internal/queue"
	"switchboard/internal/reconcile"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
)

// Server represents the HTTP server
type Server struct {
	app             *fiber.App
	config          *config.Config
	database        *db.DB
	publisher       events.Publisher
	queueWorker     *queue.Worker
	reconcileWorker *reconcile.Worker
}

// New creates a new server instance
func New(cfg *config.Config) (*Server, error) {
	// Initialize database
	database, err := db.New(&db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Run database migrations
	if err := database.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	// Event publisher (noop when Kafka is not configured)
	publisher := events.New(cfg.Kafka.Brokers, cfg.Kafka.EntriesTopic, cfg.Kafka.AlertsTopic)
	if len(cfg.Kafka.Brokers) == 0 {
		slog.Warn("Kafka not configured - billing events will not be published")
	}

	// Create Fiber app
	app := fiber.New(newFiberConfig(cfg))

	// Background workers: queue drain and reconciliation sweep
	queueWorker := queue.NewWorker(database, publisher, &queue.WorkerConfig{
		PollInterval:              cfg.Queue.PollInterval,
		BatchSize:                 cfg.Queue.BatchSize,
		MaxAttempts:               cfg.Queue.MaxAttempts,
		BaseBackoff:               cfg.Queue.BaseBackoff,
		MaxBackoff:                cfg.Queue.MaxBackoff,
		DefaultRatePencePerMinute: cfg.Billing.DefaultRatePencePerMinute,
	})
	reconcileWorker := reconcile.NewWorker(database, publisher, &reconcile.WorkerConfig{
		Interval:     cfg.Reconcile.Interval,
		StuckTimeout: cfg.Reconcile.StuckTimeout,
	})

	s := &Server{
		app:             app,
		config:          cfg,
		database:        database,
		publisher:       publisher,
		queueWorker:     queueWorker,
		reconcileWorker: reconcileWorker,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// newFiberConfig builds the Fiber app configuration. ProxyHeader, when set,
// makes c.IP() report the client address forwarded by the load balancer.
func newFiberConfig(cfg *config.Config) fiber.Config {
	return fiber.Config{
		AppName:      "Switchboard Billing API",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ProxyHeader:  cfg.Server.ProxyHeader,
		ErrorHandler: errorHandler,
	}
}

// setupMiddleware configures all middleware
func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.app.Use(recover.New())

	// Request ID middleware - must be early to ensure ID is available for logging
	s.app.Use(middleware.RequestID())

	// Logger middleware - includes request ID
	// Use JSON format in production for log aggregators, text format for development
	if s.config.IsProduction() {
		s.app.Use(logger.New(logger.Config{
			Format: `{"time":"${time}","status":${status},"method":"${method}","path":"${path}","latency":"${latency}","ip":"${ip}","request_id":"${locals:request_id}"}` + "\n",
		}))
	} else {
		s.app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${method} ${path} ${latency} [${locals:request_id}]\n",
		}))
	}

	// CORS middleware for the dashboard
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.Dashboard.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health handler (no auth required)
	healthHandler := handlers.NewHealthHandler(s.database)
	healthHandler.RegisterRoutes(s.app)

	// Webhook intake (no auth required - verified via signature)
	webhookHandler := handlers.NewWebhookHandler(s.database, &s.config.Webhook)
	webhookHandler.RegisterRoutes(s.app)

	// Wallet API behind tenant JWT auth
	walletHandler := handlers.NewWalletHandler(s.database)
	walletHandler.RegisterRoutes(s.app, middleware.TenantAuth(s.config.Auth.JWTSecret))

	// 404 handler
	s.app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":      "Not found",
			"message":    "The requested endpoint does not exist",
			"path":       c.Path(),
			"request_id": middleware.GetRequestID(c),
		})
	})
}

// Start starts the HTTP server and background workers
func (s *Server) Start(ctx context.Context) error {
	s.queueWorker.Start(ctx)
	s.reconcileWorker.Start(ctx)

	addr := fmt.Sprintf(":%s", s.config.Server.Port)
	slog.Info("starting Switchboard billing API", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down server")

	// Stop workers first so in-flight jobs finish before the pool closes
	s.queueWorker.Stop()
	s.reconcileWorker.Stop()

	if err := s.publisher.Close(); err != nil {
		slog.Error("error closing event publisher", "error", err)
	}

	if s.database != nil {
		s.database.Close()
	}

	return s.app.ShutdownWithContext(ctx)
}

// errorHandler handles errors globally
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	requestID := middleware.GetRequestID(c)

	slog.Error("request error", "error", err, "request_id", requestID, "status", code)

	return c.Status(code).JSON(fiber.Map{
		"error":      message,
		"status":     code,
		"timestamp":  time.Now().Unix(),
		"request_id": requestID,
	})
}
