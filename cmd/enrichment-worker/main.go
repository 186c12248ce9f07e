package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/mwork-api/internal/config"
	"github.com/mwork/mwork-api/internal/domain/aicache"
	"github.com/mwork/mwork-api/internal/domain/aitask"
	"github.com/mwork/mwork-api/internal/domain/catalog"
	"github.com/mwork/mwork-api/internal/pkg/blobstore"
	"github.com/mwork/mwork-api/internal/pkg/database"
	"github.com/mwork/mwork-api/internal/pkg/logger"
	"github.com/mwork/mwork-api/internal/pkg/visionclient"
	"github.com/mwork/mwork-api/internal/worker"
)

// wakeChannel mirrors catalog.Service's publish channel. This process only
// drains it (see subscribeWakeups); the loop picks up new work on its next
// poll, after any idle poll sleep.
const wakeChannel = "tasks:new"

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().Msg("Starting mwork-enrichment-worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to Redis - wake-up subscription disabled")
		rdb = nil
	}
	defer database.CloseRedis(rdb)

	blobs, err := blobstore.New(cfg.StoragePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize blob store")
	}

	cacheRepo := aicache.NewRepository(db)
	taskQueue := aitask.NewRepository(db)
	imageRepo := catalog.NewImageRepository(db)
	categoryRepo := catalog.NewCategoryRepository(db)

	var visionClient visionclient.Client
	if cfg.GeminiAPIKey != "" {
		geminiClient, err := visionclient.NewGeminiClient(context.Background(), visionclient.GeminiConfig{
			APIKey:        cfg.GeminiAPIKey,
			Model:         cfg.GeminiModel,
			AcceptedTypes: cfg.AcceptedImageTypes,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize Gemini vision client, tasks will fail until configured")
		} else {
			visionClient = geminiClient
		}
	}

	aiPolicy := catalog.AIPolicy{
		AutoCategorize:        cfg.AutoCategorize,
		AutoAnalyze:           cfg.AutoAnalyze,
		PersistAiTasks:        cfg.PersistAiTasks,
		AcceptedImageTypes:    cfg.AcceptedImageTypes,
		EnableImageTypeFilter: cfg.EnableImageTypeFilter,
	}

	// catalogService is only used here for ApplyAIResult (writing merged
	// results back to the image row), satisfying worker.ImageApplier.
	catalogService := catalog.NewService(imageRepo, categoryRepo, blobs, cacheRepo, taskQueue, visionClient, rdb, aiPolicy)

	if _, err := taskQueue.ResetStuck(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to reset stuck tasks on startup")
	}

	workerCfg := worker.Config{
		Concurrency:    cfg.AiConcurrency,
		BatchDelay:     cfg.AiBatchDelay(),
		MaxAttempts:    cfg.AiMaxAttempts,
		BackoffBase:    cfg.AiBackoffBase(),
		PersistAiTasks: cfg.PersistAiTasks,
		AutoAnalyze:    cfg.AutoAnalyze,
	}
	loop := worker.NewLoop(taskQueue, cacheRepo, visionClient, catalogService, workerCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if rdb != nil {
		go subscribeWakeups(ctx, rdb)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	loop.Run(ctx)
	loop.Stop()
	log.Info().Msg("mwork-enrichment-worker stopped")
}

// subscribeWakeups just drains the wake channel so Redis does not buffer
// unread pub/sub messages; the loop itself still drives dispatch purely by
// polling ListEligible on its own cadence.
func subscribeWakeups(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, wakeChannel)
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Channel():
		}
	}
}

func setupLogger(cfg *config.Config) {
	loggerCfg := logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
	}
	if err := logger.Init(loggerCfg); err != nil {
		log.Error().Err(err).Msg("Failed to initialize logger")
	}
}
