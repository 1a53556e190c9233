package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/clipvault/coordinator/internal/client"
	"github.com/clipvault/coordinator/internal/config"
	"github.com/clipvault/coordinator/internal/handler"
	"github.com/clipvault/coordinator/internal/middleware"
	"github.com/clipvault/coordinator/internal/registry"
	"github.com/clipvault/coordinator/internal/retry"
	"github.com/clipvault/coordinator/internal/service"
	"github.com/clipvault/coordinator/internal/store"
	"github.com/clipvault/coordinator/internal/worker"
	ws "github.com/clipvault/coordinator/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize job store
	jobStore, err := store.New(cfg.Store.DataDir)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}

	// Initialize service registry and health monitor
	reg := registry.New()
	monitor := registry.NewMonitor(reg, registry.MonitorConfig{
		Interval:         time.Duration(cfg.Health.IntervalSec) * time.Second,
		ProbeTimeout:     time.Duration(cfg.Health.ProbeTimeoutSec) * time.Second,
		FailureThreshold: cfg.Health.FailureThreshold,
	})
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go monitor.Run(monitorCtx)

	// Initialize dependent service clients
	metadataClient := client.NewMetadataClient(&cfg.Services.Metadata)
	storageClient := client.NewStorageClient(&cfg.Services.Storage)
	downloaderClient := client.NewDownloaderClient(&cfg.Services.Downloader)

	// Initialize services
	jobService := service.NewJobService(jobStore, asynqClient, cfg.Jobs.MaxManualRetries)
	registryService := service.NewRegistryService(reg)

	// Re-drive jobs interrupted by the previous shutdown before the worker
	// server starts dequeuing.
	if n, err := jobService.RecoverInterrupted(ctx); err != nil {
		log.Printf("Warning: failed to recover interrupted jobs: %v", err)
	} else if n > 0 {
		log.Printf("Recovered %d interrupted job(s)", n)
	}

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobService, validate)
	registryHandler := handler.NewRegistryHandler(registryService, validate)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.Auth.JWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		services := fiber.Map{}
		for _, s := range reg.List() {
			services[s.ServiceName] = s.IsHealthy
		}
		return c.JSON(fiber.Map{
			"status":   "ok",
			"services": services,
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	// Job routes
	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.JobSubmitLimit(cfg.RateLimit.JobsPerHour), jobHandler.Create)
	jobs.Get("/", jobHandler.List)
	jobs.Get("/:jobId", jobHandler.Get)
	jobs.Post("/:jobId/retry", jobHandler.Retry)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)

	// Service registry routes
	services := api.Group("/services")
	services.Post("/register", registryHandler.Register)
	services.Get("/", registryHandler.List)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, jobStore, jobService, reg, metadataClient, storageClient, downloaderClient, hub)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		stopMonitor()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	jobStore *store.Store,
	jobService *service.JobService,
	reg *registry.Registry,
	metadataClient *client.MetadataClient,
	storageClient *client.StorageClient,
	downloaderClient *client.DownloaderClient,
	hub *ws.Hub,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Jobs.WorkerConcurrency,
			Queues: map[string]int{
				service.QueueJobs: 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	jobWorker := worker.NewJobWorker(
		jobStore,
		jobService,
		reg,
		metadataClient,
		storageClient,
		downloaderClient,
		hub,
		worker.Config{
			RetryPolicy: retry.Policy{
				MaxAttempts:     cfg.Retry.MaxAttempts,
				BaseDelay:       time.Duration(cfg.Retry.BaseDelaySec) * time.Second,
				MaxDelay:        time.Duration(cfg.Retry.MaxDelaySec) * time.Second,
				ExponentialBase: cfg.Retry.ExponentialBase,
				Jitter:          cfg.Retry.Jitter,
			},
			MaxRetries:       cfg.Jobs.MaxRetries,
			VideoConcurrency: cfg.Jobs.VideoConcurrency,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeJob, jobWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
