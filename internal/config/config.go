package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the renderforge process's env-derived configuration, loaded
// once at startup. Kept in the teacher's godotenv + typed-getter +
// required-field-validation style (config.go), with the environment
// surface replaced end to end for the render-orchestration domain.
type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // empty = no auth, dev mode
	CorsAllowedOrigins string // comma-separated; empty = *, dev mode
	AppAttestationKey  string // tolerated-but-logged-missing on the SSE route, per spec.md §6

	// Database
	DatabaseURL string

	// Redis queue
	RedisURL string

	// Artifact store (Supabase Storage)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Credit ledger service
	LedgerBaseURL string
	LedgerAPIKey  string

	// xAI Grok Imagine Video (clip generation, lead candidate)
	XAIAPIKey string

	// Google Veo 3.1 via genai (clip generation, fallback candidate)
	GeminiAPIKey string

	// Worker / fan-out
	MaxConcurrentJobs int // parsed from env; not read by the scheduler or orchestrator, which use per-tier fan-out limits

	// Render scratch space
	TempDir string

	// Tier caps (seconds), parsed from env with spec.md §4.8 defaults. The
	// orchestrator does not read these; it validates against its own fixed
	// per-tier table, so setting them has no effect on rendering.
	FreeMaxSceneSeconds    int
	FreeMaxTotalSeconds    int
	BasicMaxSceneSeconds   int
	BasicMaxTotalSeconds   int
	PremiumMaxSceneSeconds int
	PremiumMaxTotalSeconds int

	// Whole-render soft deadline and per-clip timeout, spec.md §5.
	// ClipTimeout and CancelGrace are parsed but not read; the scheduler
	// uses its own fixed cancel grace.
	RenderSoftDeadline time.Duration
	ClipTimeout        time.Duration
	CancelGrace        time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load() // ignore error in production; env vars may be set directly

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		AppAttestationKey:  getEnv("APP_ATTESTATION_KEY", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),

		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "renderforge-videos"),

		LedgerBaseURL: getEnv("LEDGER_BASE_URL", ""),
		LedgerAPIKey:  getEnv("LEDGER_API_KEY", ""),

		XAIAPIKey:    getEnv("XAI_API_KEY", ""),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 4),
		TempDir:           getEnv("RENDER_TEMP_DIR", "/tmp/renderforge"),

		FreeMaxSceneSeconds:    getEnvInt("FREE_MAX_SCENE_SECONDS", 15),
		FreeMaxTotalSeconds:    getEnvInt("FREE_MAX_TOTAL_SECONDS", 45),
		BasicMaxSceneSeconds:   getEnvInt("BASIC_MAX_SCENE_SECONDS", 20),
		BasicMaxTotalSeconds:   getEnvInt("BASIC_MAX_TOTAL_SECONDS", 90),
		PremiumMaxSceneSeconds: getEnvInt("PREMIUM_MAX_SCENE_SECONDS", 30),
		PremiumMaxTotalSeconds: getEnvInt("PREMIUM_MAX_TOTAL_SECONDS", 180),

		RenderSoftDeadline: getEnvDuration("RENDER_SOFT_DEADLINE", 20*time.Minute),
		ClipTimeout:        getEnvDuration("CLIP_TIMEOUT", 10*time.Minute),
		CancelGrace:        getEnvDuration("CANCEL_GRACE", 30*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}
	if cfg.LedgerBaseURL == "" {
		return nil, fmt.Errorf("LEDGER_BASE_URL is required")
	}
	if cfg.XAIAPIKey == "" && cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("either XAI_API_KEY or GEMINI_API_KEY is required for clip generation")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
