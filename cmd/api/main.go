package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bobarin/cutline/internal/api"
	"github.com/bobarin/cutline/internal/compositor"
	"github.com/bobarin/cutline/internal/config"
	"github.com/bobarin/cutline/internal/db"
	"github.com/bobarin/cutline/internal/ffmpeg"
	"github.com/bobarin/cutline/internal/jobs"
	"github.com/bobarin/cutline/internal/logging"
	"github.com/bobarin/cutline/internal/queue"
	"github.com/bobarin/cutline/internal/render"
	"github.com/bobarin/cutline/internal/storage"
	"github.com/bobarin/cutline/internal/worker"
)

// localQueueSize bounds the in-process queue used when Redis is not set.
const localQueueSize = 1024

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(cfg.LogVerbose, cfg.LogPretty)
	log.Info().Msg("Starting Cutline API...")

	for _, dir := range []string{cfg.MediaDir, cfg.WorkDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create directory")
		}
	}

	// Job store
	var store jobs.Store
	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer database.Close()
		if err := database.EnsureSchema(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare database schema")
		}
		store = db.NewExportStore(database)
		log.Info().Msg("Connected to database")
	} else {
		store = jobs.NewMemoryStore()
		log.Warn().Msg("No DATABASE_URL set, export jobs are kept in memory")
	}

	// Queue
	var q queue.Queue
	if cfg.RedisURL != "" {
		rq, err := queue.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to queue")
		}
		q = rq
		log.Info().Msg("Connected to Redis queue")
	} else {
		q = queue.NewLocal(localQueueSize)
		log.Info().Msg("Using in-process queue")
	}
	defer q.Close()

	// Encoder
	profiles, err := ffmpeg.LoadProfiles(cfg.EncoderProfilesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load encoder profiles")
	}
	ff := ffmpeg.New(cfg.FFmpegPath, cfg.FFprobePath, profiles, logging.WithComponent("ffmpeg"))
	if err := ff.Available(); err != nil {
		log.Warn().Err(err).Msg("encoder binaries missing, exports will fail")
	}

	fonts, err := compositor.NewFontLibrary(cfg.FontsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load fonts")
	}
	defer fonts.Close()
	if fonts.HasCustomFonts() {
		log.Info().Str("dir", cfg.FontsDir).Msg("Loaded custom fonts")
	} else if cfg.FontsDir != "" {
		log.Warn().Str("dir", cfg.FontsDir).Msg("No usable fonts in FONTS_DIR, using the embedded faces")
	}

	deps := &render.Deps{
		Encoder:     render.NewEncoder(ff),
		Pool:        render.NewContextPool(cfg.RendererPoolSize, cfg.RendererRecycleFrames, logging.WithComponent("render")),
		Fonts:       fonts,
		Decoder:     ff,
		SpoolFormat: cfg.DiskSpoolFormat,
	}

	opts := worker.Options{
		MediaDir:  cfg.MediaDir,
		WorkDir:   cfg.WorkDir,
		OutputDir: cfg.OutputDir,
		Strategies: []render.Strategy{
			render.NewStreaming(deps),
			render.NewDiskBuffered(deps),
			render.NewMinimal(deps),
		},
		Extension: profiles.Extension,
		WorkerID:  cfg.WorkerID,
	}
	if cfg.PublishingEnabled() {
		opts.Publisher = storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logging.WithComponent("storage"))
		log.Info().Str("bucket", cfg.SupabaseStorageBucket).Msg("Publishing exports to Supabase storage")
	}
	orchestrator := worker.New(store, q, opts, logging.WithComponent("worker"))

	// Create API handler
	handler := api.NewHandler(orchestrator, logging.WithComponent("api"))
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		if err := orchestrator.Recover(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to recover export jobs")
		}
		log.Info().Int("concurrency", cfg.MaxConcurrentJobs).Str("worker_id", cfg.WorkerID).Msg("Worker enabled, starting background processing...")
		go func() {
			defer close(workerDone)
			orchestrator.Start(workerCtx, cfg.MaxConcurrentJobs)
		}()
	} else {
		close(workerDone)
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Running exports stop cooperatively and are recorded as cancelled.
	workerCancel()
	select {
	case <-workerDone:
	case <-ctx.Done():
		log.Warn().Msg("worker did not stop in time")
	}

	log.Info().Msg("Server exited")
}
