package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/amanullahtanweer/segment-transcriber/internal/blob"
	"github.com/amanullahtanweer/segment-transcriber/internal/config"
	"github.com/amanullahtanweer/segment-transcriber/internal/joblog"
	"github.com/amanullahtanweer/segment-transcriber/internal/metrics"
	"github.com/amanullahtanweer/segment-transcriber/internal/notifier"
	"github.com/amanullahtanweer/segment-transcriber/internal/pipeline"
	"github.com/amanullahtanweer/segment-transcriber/internal/queue"
	"github.com/amanullahtanweer/segment-transcriber/internal/segment"
	"github.com/amanullahtanweer/segment-transcriber/internal/server"
	"github.com/amanullahtanweer/segment-transcriber/internal/transcriber"
	"github.com/redis/go-redis/v9"
)

const eventsChannel = "transcriptions"

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs, err := blob.NewLocalStore(cfg.Blob.Root)
	if err != nil {
		log.Fatalf("Failed to open blob storage: %v", err)
	}

	provider, err := transcriber.New(transcriber.Config{
		Name:       cfg.Provider.Name,
		URL:        cfg.Provider.URL,
		APIKey:     cfg.Provider.APIKey,
		Model:      cfg.Provider.Model,
		SampleRate: cfg.Provider.SampleRate,
		Timeout:    cfg.Provider.Timeout,
	})
	if err != nil {
		log.Fatalf("Failed to create transcription provider: %v", err)
	}

	jobLog, err := joblog.New(cfg.JobLog.Dir, time.Now())
	if err != nil {
		log.Fatalf("Failed to open job log: %v", err)
	}
	defer jobLog.Close()

	stats := metrics.New()
	hub := notifier.NewHub()

	var (
		store   segment.Store
		tasks   queue.Queue
		events  notifier.Notifier
		limiter server.Limiter
		wg      sync.WaitGroup
	)

	switch cfg.Store.Driver {
	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid redis url: %v", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}

		store = segment.NewRedisStore(client, cfg.Redis.Prefix)
		tasks = queue.NewRedisQueue(client, cfg.Redis.Prefix, cfg.Worker.UniqueTTL)
		events = notifier.NewRedisPublisher(client, cfg.Redis.Prefix+eventsChannel)
		limiter = server.NewRedisLimiter(client, cfg.Redis.Prefix, cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Window)

		// Every process relays the shared channel to its own websocket clients
		relay := notifier.NewRelay(client, cfg.Redis.Prefix+eventsChannel, hub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Run(ctx, nil); err != nil && ctx.Err() == nil {
				log.Printf("Event relay stopped: %v", err)
			}
		}()
	default:
		memQueue := queue.NewMemoryQueue(1024)
		defer memQueue.Close()
		store = segment.NewMemoryStore()
		tasks = memQueue
		events = hub
		limiter = server.NewMemoryLimiter(cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Window)
	}
	log.Printf("Store driver: %s, transcription provider: %s", cfg.Store.Driver, provider.Name())

	ingestor := pipeline.NewIngestor(pipeline.IngestorConfig{
		Blobs:    blobs,
		Store:    store,
		Queue:    tasks,
		Metrics:  stats,
		JobLog:   jobLog,
		MaxBytes: cfg.Server.MaxUploadBytes,
	})
	worker := pipeline.NewWorker(pipeline.WorkerConfig{
		Store:          store,
		Blobs:          blobs,
		Provider:       provider,
		Notifier:       events,
		JobLog:         jobLog,
		Metrics:        stats,
		AttemptTimeout: cfg.Worker.AttemptTimeout,
	})
	sweeper := pipeline.NewSweeper(pipeline.SweeperConfig{
		Store:        store,
		Queue:        tasks,
		Interval:     cfg.Sweeper.Interval,
		PageSize:     cfg.Sweeper.PageSize,
		MaxAttempts:  cfg.Sweeper.MaxAttempts,
		PendingAfter: cfg.Sweeper.PendingAfter,
		StuckAfter:   cfg.Sweeper.StuckAfter,
		Crash:        worker,
		Metrics:      stats,
		JobLog:       jobLog,
	})

	var pool *pipeline.Pool
	if cfg.Worker.Enabled {
		pool = pipeline.NewPool(tasks, worker, cfg.Worker.Concurrency)
		pool.Start(ctx)
	}
	if cfg.Sweeper.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
	}

	srv := server.New(server.Config{
		Addr:            cfg.Addr(),
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		RateLimitWindow: cfg.Server.RateLimit.Window,
	}, server.Deps{
		Ingestor:    ingestor,
		Store:       store,
		Limiter:     limiter,
		Hub:         hub,
		Resubmitter: sweeper,
		Metrics:     stats,
	})

	// Start server in background
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	cancel()
	if pool != nil {
		pool.Stop()
	}
	wg.Wait()
	hub.Close()

	log.Printf("\n%s", stats.Summary())
}
