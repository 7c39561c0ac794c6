package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	WorkerID           string // identifies this worker's claims on jobs, defaults to the hostname
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database (empty = in-memory job store)
	DatabaseURL string

	// Redis (empty = in-process queue)
	RedisURL string

	// Supabase (empty = outputs are only kept on local disk)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Filesystem
	MediaDir  string // uploaded media, one sub-directory per job id
	WorkDir   string // job-scoped scratch space
	OutputDir string // finished exports
	FontsDir  string // optional extra .ttf/.otf faces

	// Encoder
	FFmpegPath          string
	FFprobePath         string
	EncoderProfilesPath string // optional YAML overrides
	DiskSpoolFormat     string // png | mjpeg

	// Worker
	MaxConcurrentJobs     int
	RendererPoolSize      int
	RendererRecycleFrames int // frames a render context draws before it is recycled, 0 = never

	// Logging
	LogVerbose bool
	LogPretty  bool
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		WorkerID:              getEnv("WORKER_ID", hostname()),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "exports"),
		MediaDir:              getEnv("MEDIA_DIR", "data/media"),
		WorkDir:               getEnv("WORK_DIR", os.TempDir()),
		OutputDir:             getEnv("OUTPUT_DIR", "data/exports"),
		FontsDir:              getEnv("FONTS_DIR", ""),
		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		EncoderProfilesPath:   getEnv("ENCODER_PROFILES_PATH", ""),
		DiskSpoolFormat:       strings.ToLower(getEnv("DISK_SPOOL_FORMAT", "png")),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
		RendererPoolSize:      getEnvInt("RENDERER_POOL_SIZE", 2),
		RendererRecycleFrames: getEnvInt("RENDERER_RECYCLE_FRAMES", 1800),
		LogVerbose:            getEnvBool("LOG_VERBOSE", false),
		LogPretty:             getEnvBool("LOG_PRETTY", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks combinations that cannot be defaulted.
func (c *Config) Validate() error {
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.WorkerEnabled && c.WorkerID == "" {
		return fmt.Errorf("WORKER_ID must be set when the worker is enabled")
	}
	if c.RendererPoolSize < 1 {
		return fmt.Errorf("RENDERER_POOL_SIZE must be at least 1")
	}
	if c.RendererRecycleFrames < 0 {
		return fmt.Errorf("RENDERER_RECYCLE_FRAMES must not be negative")
	}
	if c.DiskSpoolFormat != "png" && c.DiskSpoolFormat != "mjpeg" {
		return fmt.Errorf("DISK_SPOOL_FORMAT must be png or mjpeg")
	}
	if (c.SupabaseURL == "") != (c.SupabaseServiceKey == "") {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set together")
	}
	return nil
}

// PublishingEnabled reports whether completed exports are uploaded to object storage.
func (c *Config) PublishingEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
