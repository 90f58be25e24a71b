package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trader process.
type Config struct {
	// Venues restricts a run to the named venues of the run file; empty runs all.
	Venues []string

	// Status API
	APIAddr      string
	APIRateLimit float64 // requests per second per client
	APIBurst     int

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
	LogConsole    bool

	// Storage
	DBPath         string
	EnableJournal  bool
	JournalBatch   int
	JournalFlushMs int
	ResultsDir     string

	// Live quote feeds
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
	WSURL         string

	// Order handling
	PlaceOrderDelay time.Duration
	PollTimeout     time.Duration
	PollAttempts    int
	PollRate        float64
	PollBurst       int

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileAutoSync bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/trader.db")
	}

	return &Config{
		Venues:            splitAndTrim(getEnv("VENUES", "")),
		APIAddr:           getEnv("API_ADDR", ""),
		APIRateLimit:      getEnvFloat("API_RATE_LIMIT", 20),
		APIBurst:          getEnvInt("API_BURST", 40),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:           getEnv("LOG_FILE", ""),
		LogMaxSizeMB:      getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups:     getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays:     getEnvInt("LOG_MAX_AGE_DAYS", 30),
		LogCompress:       getEnv("LOG_COMPRESS", "true") == "true",
		LogConsole:        getEnv("LOG_CONSOLE", "true") == "true",
		DBPath:            dbPath,
		EnableJournal:     getEnv("ENABLE_JOURNAL", "true") == "true",
		JournalBatch:      getEnvInt("JOURNAL_BATCH_SIZE", 100),
		JournalFlushMs:    getEnvInt("JOURNAL_FLUSH_MS", 500),
		ResultsDir:        getEnv("RESULTS_DIR", "./results"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisChannel:      getEnv("REDIS_CHANNEL", ""),
		WSURL:             getEnv("WS_URL", ""),
		PlaceOrderDelay:   getEnvDuration("PLACE_ORDER_DELAY", time.Second),
		PollTimeout:       getEnvDuration("ORDER_POLL_TIMEOUT", time.Second),
		PollAttempts:      getEnvInt("ORDER_POLL_ATTEMPTS", 10),
		PollRate:          getEnvFloat("ORDER_POLL_RATE", 5),
		PollBurst:         getEnvInt("ORDER_POLL_BURST", 5),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 0),
		ReconcileAutoSync: getEnv("RECONCILE_AUTO_SYNC", "false") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
