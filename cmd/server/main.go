package main

import (
	"context"
	"dft-job-queue/internal/admission"
	"dft-job-queue/internal/api"
	"dft-job-queue/internal/auth"
	"dft-job-queue/internal/blob"
	"dft-job-queue/internal/compute"
	"dft-job-queue/internal/config"
	"dft-job-queue/internal/database"
	"dft-job-queue/internal/events"
	"dft-job-queue/internal/observability"
	"dft-job-queue/internal/ratelimit"
	"dft-job-queue/internal/retry"
	"dft-job-queue/internal/websocket"
	"dft-job-queue/internal/worker"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[INIT] Could not load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing("dft-job-queue", observability.TracingConfig{
		Exporter: cfg.TraceExporter,
		Endpoint: cfg.TraceEndpoint,
		Insecure: cfg.TraceInsecure,
	})
	if err != nil {
		log.Fatal("Failed to initialize tracing:", err)
	}
	defer shutdownTracing(context.Background())

	// Open database
	db, err := database.New(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	log.Printf("[INIT] Database initialized at %s", cfg.DBPath)

	uploadDir, err := filepath.Abs(cfg.UploadDir)
	if err != nil {
		log.Fatal("Failed to resolve upload dir:", err)
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		log.Fatal("Failed to create upload dir:", err)
	}
	blobs := blob.LocalFS{Root: uploadDir}

	// Live updates to browsers, plus RabbitMQ when configured
	wsManager := websocket.New(db)
	publishers := events.Fanout{wsManager}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatal("Failed to connect to RabbitMQ:", err)
		}
		defer amqpPub.Close()
		publishers = append(publishers, amqpPub)
		log.Printf("[INIT] Publishing job events to exchange %s", cfg.AMQPExchange)
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimitPerMinute)
	if cfg.RedisAddr != "" {
		redisLimiter, err := ratelimit.NewRedis(ctx, ratelimit.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.RateLimitPerMinute)
		if err != nil {
			log.Fatal("Failed to connect to Redis:", err)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
		log.Printf("[INIT] Using Redis rate limiter at %s", cfg.RedisAddr)
	}

	controller := admission.New(db, blobs, compute.CommandValidator{Command: cfg.ValidatorCommand}, admission.Options{
		MaxPending:     cfg.MaxPendingPerUser,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	var wg sync.WaitGroup
	if cfg.RunDispatcher {
		opts := worker.Options{
			PollInterval:     cfg.PollInterval,
			ErrorBackoff:     cfg.ErrorBackoff,
			ComputeTimeout:   cfg.ComputeTimeout,
			TimeoutRetryable: cfg.ComputeTimeoutRetryable,
			Retry:            retry.New(cfg.MaxRetries),
			Events:           publishers,
		}
		if cfg.MinIOEndpoint != "" {
			archive, err := blob.NewMinIOArchive(ctx, blob.MinIOConfig{
				Endpoint:  cfg.MinIOEndpoint,
				AccessKey: cfg.MinIOAccessKey,
				SecretKey: cfg.MinIOSecretKey,
				Bucket:    cfg.MinIOBucket,
				UseSSL:    cfg.MinIOUseSSL,
			})
			if err != nil {
				log.Fatal("Failed to connect to MinIO:", err)
			}
			opts.Archive = archive
			log.Printf("[INIT] Archiving results to bucket %s", cfg.MinIOBucket)
		}

		engine := compute.CommandEngine{Command: cfg.ComputeCommand, WorkDir: uploadDir}
		dispatcher := worker.New(db, engine, blobs, opts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dispatcher.Start(ctx); err != nil {
				log.Fatal("Dispatcher failed to start:", err)
			}
		}()
		log.Printf("[INIT] Dispatcher started")
	}

	apiServer := api.NewServer(api.Options{
		DB:             db,
		Admission:      controller,
		Blobs:          blobs,
		Issuer:         auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL),
		RateLimiter:    limiter,
		WSManager:      wsManager,
		Events:         publishers,
		MaxUploadBytes: cfg.MaxUploadBytes,
		SecureCookies:  cfg.SecureCookies,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[INIT] Server starting on http://localhost%s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed:", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[SHUTDOWN] Signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] HTTP shutdown: %v", err)
	}
	wg.Wait()
	log.Printf("[SHUTDOWN] Done")
}
