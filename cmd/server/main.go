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

	"github.com/lecturelab/api/internal/auth"
	"github.com/lecturelab/api/internal/client"
	"github.com/lecturelab/api/internal/config"
	"github.com/lecturelab/api/internal/dispatch"
	"github.com/lecturelab/api/internal/gate"
	"github.com/lecturelab/api/internal/handler"
	"github.com/lecturelab/api/internal/middleware"
	"github.com/lecturelab/api/internal/service"
	"github.com/lecturelab/api/internal/store"
	"github.com/lecturelab/api/internal/worker"
	ws "github.com/lecturelab/api/internal/websocket"
)

// @title          LectureLab API
// @version        1.0
// @description    Backend API for LectureLab — study guides and transcripts from lecture recordings.
// @host           localhost:8080
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config.Bootstrap(&cfg.Server)

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

	// Initialize external clients
	geminiClient := client.NewGeminiClient(&cfg.Gemini)
	if !geminiClient.IsConfigured() {
		log.Println("Warning: Gemini API key not set, job processing will fail")
	}

	// Initialize R2 client (optional - continues if not configured)
	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			storage = r2Client
		}
	} else {
		log.Println("Warning: R2 storage not configured, uploads and job processing will fail")
	}

	// Initialize JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.Auth.OIDCIssuer != "" {
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.Auth)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize access gate and seed configured demo codes
	accessGate := gate.NewRedisGate(redisClient)
	if err := accessGate.Seed(ctx, &cfg.Demo); err != nil {
		log.Printf("Warning: failed to seed demo codes: %v", err)
	}

	// Initialize job record store
	jobStore := store.NewJobStore(redisClient, cfg.Jobs.TTL)

	// Select the dispatch path: a configured worker URL sends runs to the
	// worker service over HTTP, otherwise jobs run on the embedded server.
	var runner dispatch.Runner
	var workerClient *client.WorkerClient
	if cfg.Worker.URL != "" {
		workerClient = client.NewWorkerClient(&cfg.Worker)
		runner = dispatch.NewHTTPRunner(workerClient)
		log.Printf("Info: dispatching jobs to worker service at %s", cfg.Worker.URL)
	} else {
		runner = dispatch.NewAsynqRunner(asynqClient)
		log.Println("Info: dispatching jobs to the embedded worker")
	}

	// Initialize services
	jobService := service.NewJobService(jobStore, accessGate, runner, storage, &cfg.Gemini, &cfg.Jobs)
	uploadService := service.NewUploadService(storage)

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobService, validate)
	uploadHandler := handler.NewUploadHandler(uploadService, accessGate)

	// Initialize middleware (with fallback support). Auth is optional on
	// the API group: demo callers carry no token and are authorized by the
	// gate against their demo code instead.
	var authMiddleware *middleware.AuthMiddleware
	if jwksVerifier != nil && cfg.Auth.JWTSecret != "" {
		authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.Auth.JWTSecret)
	} else if jwksVerifier != nil {
		authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
	} else {
		authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.Auth.JWTSecret)
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    200 * 1024 * 1024, // 200MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
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
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"gemini":  geminiClient.IsConfigured(),
				"storage": storage != nil,
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"auth":    jwksVerifier != nil || cfg.Auth.JWTSecret != "",
			},
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Optional())

	// Job routes
	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.CreateLimit(cfg.RateLimit.CreatePerHour), jobHandler.Create)
	jobs.Post("/:jobId/run", jobHandler.Run)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)

	// Upload routes
	api.Post("/uploads", rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour), uploadHandler.Media)

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

	// Start the embedded Asynq worker server unless a worker service owns
	// job execution.
	if cfg.Worker.URL == "" {
		go startWorkerServer(cfg, jobStore, storage, geminiClient, hub)
	}

	// Start the requeue sweeper
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweeper := service.NewSweeper(jobStore, jobService, cfg.Jobs.SweepInterval)
	go sweeper.Run(sweepCtx)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		stopSweeper()
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
	jobStore *store.JobStore,
	storage client.StorageClient,
	geminiClient client.Generator,
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
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				dispatch.QueueStudy: 1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	pipeline := worker.NewPipeline(jobStore, storage, geminiClient, hub, &cfg.Gemini, &cfg.Jobs)
	studyWorker := worker.NewStudyWorker(pipeline)

	mux := asynq.NewServeMux()
	mux.HandleFunc(dispatch.TaskTypeStudy, studyWorker.ProcessTask)

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
