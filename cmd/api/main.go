package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/mwork/mwork-api/internal/config"
	"github.com/mwork/mwork-api/internal/domain/aicache"
	"github.com/mwork/mwork-api/internal/domain/aitask"
	"github.com/mwork/mwork-api/internal/domain/catalog"
	"github.com/mwork/mwork-api/internal/middleware"
	"github.com/mwork/mwork-api/internal/pkg/blobstore"
	"github.com/mwork/mwork-api/internal/pkg/database"
	"github.com/mwork/mwork-api/internal/pkg/logger"
	pkgresponse "github.com/mwork/mwork-api/internal/pkg/response"
	"github.com/mwork/mwork-api/internal/pkg/visionclient"
	"github.com/mwork/mwork-api/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting mwork-api")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to Redis - running without wake-up publish...")
		redisClient = nil
	}
	defer database.CloseRedis(redisClient)

	blobs, err := blobstore.New(cfg.StoragePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize blob store")
	}

	imageRepo := catalog.NewImageRepository(db)
	categoryRepo := catalog.NewCategoryRepository(db)
	cacheRepo := aicache.NewRepository(db)
	taskQueue := aitask.NewRepository(db)

	var visionClient visionclient.Client
	if cfg.GeminiAPIKey != "" {
		geminiClient, err := visionclient.NewGeminiClient(context.Background(), visionclient.GeminiConfig{
			APIKey:        cfg.GeminiAPIKey,
			Model:         cfg.GeminiModel,
			AcceptedTypes: cfg.AcceptedImageTypes,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize Gemini vision client, running without AI enrichment")
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
	catalogService := catalog.NewService(imageRepo, categoryRepo, blobs, cacheRepo, taskQueue, visionClient, redisClient, aiPolicy)

	for _, name := range cfg.Categories {
		if _, err := catalogService.AddCategory(context.Background(), name, "seed category"); err != nil {
			log.Warn().Err(err).Str("category", name).Msg("seed category failed")
		}
	}

	// The API process exposes admin control (pause, runtime config, stats)
	// but never polls the queue itself; set-paused/set-runtime-config write
	// through to the shared worker_control row so the poll loop running in
	// cmd/enrichment-worker picks up the change on its next tick regardless
	// of which process served the HTTP request.
	catalogHandler := catalog.NewHandler(catalogService, blobs, cfg.UploadToken)
	adminHandler := worker.NewAdminHandler(taskQueue, catalogService, cfg.UploadToken)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", catalogHandler.Routes())
		r.Mount("/admin", adminHandler.Routes())
	})

	rootHandler := middleware.Logger(middleware.Recover(r))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
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
