package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/omniverifier/engine/internal/config"
	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/notify"
	"github.com/omniverifier/engine/internal/pkg/distlock"
	"github.com/omniverifier/engine/internal/pkg/logger"
	"github.com/omniverifier/engine/internal/provider"
	"github.com/omniverifier/engine/internal/repository/postgres"
	"github.com/omniverifier/engine/internal/service/batch"
	"github.com/omniverifier/engine/internal/service/credits"
	"github.com/omniverifier/engine/internal/service/ratelimit"
	"github.com/omniverifier/engine/internal/storage"
	"github.com/omniverifier/engine/internal/worker"
)

// startable is the common lifecycle of every background loop.
type startable interface {
	Start()
	Stop()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log.Println("Starting verification worker...")
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("ping database: %v", err)
	}
	cancelPing()
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()
		log.Println("Redis enabled")
	}

	store, err := storage.NewS3Store(context.Background(), cfg.Storage)
	if err != nil {
		log.Fatalf("init object storage: %v", err)
	}

	batchRepo := postgres.NewBatchRepo(db)
	providerRepo := postgres.NewProviderRepo(db)
	creditsRepo := postgres.NewCreditsRepo(db)
	enrichRepo := postgres.NewEnrichmentRepo(db)

	gov := ratelimit.NewGovernor(postgres.NewRateCounterStore(db),
		cfg.Verifier.RateLimitPerMinute, cfg.Verifier.RateLimitBuffer)
	client := provider.NewClient(cfg.Provider)

	creditSvc := credits.NewService(creditsRepo, cfg.Verifier.SubscriptionFirst())
	locks := func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, ttl)
	}
	enricher := worker.NewEnricher(batchRepo, enrichRepo, store, locks, redisClient, cfg.Verifier.EnrichmentProgressRows)
	hook := worker.NewCompletionHook(notify.NewDispatcher(cfg.Notify), enricher)
	batchSvc := batch.NewService(batchRepo, creditSvc, hook)

	applier := worker.NewResultApplier(providerRepo, batchSvc)

	var loops []startable
	for _, ct := range domain.CheckTypes {
		loops = append(loops,
			worker.NewPacker(providerRepo, client, gov, worker.PackerConfig{
				CheckType:     ct,
				MaxConcurrent: cfg.Verifier.MaxConcurrentProviderBatches,
				MaxEmails:     cfg.Verifier.MaxEmailsPerProviderBatch,
				MaxEmailRetry: cfg.Verifier.MaxEmailRetries,
				Interval:      cfg.Verifier.PollInterval(),
			}),
			worker.NewLifecyclePoller(providerRepo, client, gov, applier, batchSvc, worker.LifecycleConfig{
				CheckType:     ct,
				MaxAttempts:   cfg.Verifier.MaxProviderBatchAttempts,
				MaxEmailRetry: cfg.Verifier.MaxEmailRetries,
				BatchTimeout:  cfg.Verifier.ProviderBatchTimeout(),
				Interval:      cfg.Verifier.PollInterval(),
			}),
			worker.NewSweeper(providerRepo, batchSvc, ct, time.Minute),
		)
	}
	for _, l := range loops {
		l.Start()
	}
	log.Printf("Started %d worker loops across %d check types", len(loops), len(domain.CheckTypes))

	// Rate counter rows older than two windows are useless; prune them on
	// a slow cadence.
	pruneCtx, cancelPrune := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-pruneCtx.Done():
				return
			case <-ticker.C:
				if _, err := gov.Prune(pruneCtx); err != nil {
					log.Printf("[Worker] prune rate counters: %v", err)
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancelPrune()
	for _, l := range loops {
		l.Stop()
	}
	time.Sleep(2 * time.Second)
	log.Println("Worker stopped")
}
