package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/omniverifier/engine/internal/api"
	"github.com/omniverifier/engine/internal/config"
	"github.com/omniverifier/engine/internal/notify"
	"github.com/omniverifier/engine/internal/pkg/distlock"
	"github.com/omniverifier/engine/internal/pkg/logger"
	"github.com/omniverifier/engine/internal/repository/postgres"
	"github.com/omniverifier/engine/internal/service/batch"
	"github.com/omniverifier/engine/internal/service/credits"
	"github.com/omniverifier/engine/internal/storage"
	"github.com/omniverifier/engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

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
	creditsRepo := postgres.NewCreditsRepo(db)
	enrichRepo := postgres.NewEnrichmentRepo(db)

	creditSvc := credits.NewService(creditsRepo, cfg.Verifier.SubscriptionFirst())

	locks := func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, ttl)
	}
	enricher := worker.NewEnricher(batchRepo, enrichRepo, store, locks, redisClient, cfg.Verifier.EnrichmentProgressRows)
	hook := worker.NewCompletionHook(notify.NewDispatcher(cfg.Notify), enricher)

	batchSvc := batch.NewService(batchRepo, creditSvc, hook)

	handlers := api.NewHandlers(batchSvc, creditSvc, enrichRepo, store)
	server := api.NewServer(cfg.Server, handlers, nil)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	go func() {
		log.Printf("API server listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("Server stopped")
}
