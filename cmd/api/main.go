package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/storyforge/server/internal/adapter/repo"
	"github.com/storyforge/server/internal/generation"
	"github.com/storyforge/server/internal/http/handlers"
	"github.com/storyforge/server/internal/http/httpapi"
	"github.com/storyforge/server/internal/infra"
	"github.com/storyforge/server/internal/infra/geoip"
	"github.com/storyforge/server/internal/middleware"
	"github.com/storyforge/server/internal/providers/genai"
	"github.com/storyforge/server/internal/providers/illustration"
	"github.com/storyforge/server/internal/providers/story"
	"github.com/storyforge/server/internal/publisher"
	"github.com/storyforge/server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	fileStore, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure asset storage")
	}
	staging, err := storage.NewStaging(cfg.StagingPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure staging area")
	}
	assets, err := publisher.NewFilePublisher(fileStore, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure asset publisher")
	}

	geminiClient, err := genai.NewClient(genai.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		StoryModel: cfg.GeminiModel,
		ImageModel: cfg.GeminiImageModel,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure gemini client")
	}
	if cfg.GeminiAPIKey == "" {
		logger.Warn().Msg("gemini api key missing, using synthetic generation")
	}

	books := repo.NewStorybookRepository(dbpool)
	orchestrator := generation.New(generation.Options{
		Story:             story.NewGeminiGenerator(geminiClient),
		Illustrator:       illustration.NewGeminiRenderer(geminiClient),
		Publisher:         assets,
		Books:             books,
		Progress:          generation.NewTracker(cfg.ProgressTTL),
		Staging:           staging,
		Logger:            logger,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	})

	var countryLookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	} else if resolver != nil {
		countryLookup = resolver.CountryCode
	}

	app := handlers.NewApp(logger, orchestrator, books, staging, fileStore.BasePath())
	router := httpapi.NewRouter(app, httpapi.Options{
		RateLimitPerMin: cfg.RateLimitPerMin,
		AllowedOrigins:  cfg.AllowedOrigins,
		DefaultLocale:   cfg.DefaultLocale,
		CountryLookup:   countryLookup,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
