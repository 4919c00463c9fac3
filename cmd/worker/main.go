package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/lecturelab/api/internal/client"
	"github.com/lecturelab/api/internal/config"
	"github.com/lecturelab/api/internal/dispatch"
	"github.com/lecturelab/api/internal/handler"
	"github.com/lecturelab/api/internal/middleware"
	"github.com/lecturelab/api/internal/store"
	"github.com/lecturelab/api/internal/worker"
	ws "github.com/lecturelab/api/internal/websocket"
)

// The worker service accepts run hand-offs from the API over HTTP and
// executes the generation pipeline on its own asynq server. It shares
// nothing with the API process except Redis.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config.Bootstrap(&cfg.Server)

	if cfg.Worker.Secret == "" {
		log.Println("Warning: WORKER_SECRET not set, run endpoint will reject all requests")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	hub := ws.NewHub()
	go hub.Run()

	geminiClient := client.NewGeminiClient(&cfg.Gemini)
	if !geminiClient.IsConfigured() {
		log.Println("Warning: Gemini API key not set, job processing will fail")
	}

	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			storage = r2Client
		}
	} else {
		log.Println("Warning: R2 storage not configured, job processing will fail")
	}

	jobStore := store.NewJobStore(redisClient, cfg.Jobs.TTL)
	runner := dispatch.NewAsynqRunner(asynqClient)
	workerHandler := handler.NewWorkerHandler(jobStore, runner)

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"gemini":  geminiClient.IsConfigured(),
				"storage": storage != nil,
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
			},
		})
	})
	app.Post("/worker/run", middleware.WorkerAuth(cfg.Worker.Secret), workerHandler.Run)

	// The asynq server executing the pipeline runs in the same process.
	go runWorkerServer(cfg, jobStore, storage, geminiClient, hub)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down worker service...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Worker shutdown error: %v", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Printf("Worker service starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Worker service error: %v", err)
	}
}

func runWorkerServer(
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
