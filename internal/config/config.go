package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port          string
	Env           string
	AllowedOrigin string
	LogLevel      string

	// Gemini AI
	GeminiAPIKey         string
	GeminiModel          string
	GeminiConcurrentReqs int

	// History
	HistoryDir    string
	HistoryMaxAge time.Duration

	// Redis (optional, enables live streaming fan-out)
	RedisURL string

	// Rate limiting
	RateLimitPerMin int
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                 getEnvOrDefault("PORT", "8080"),
		Env:                  getEnvOrDefault("ENV", "development"),
		AllowedOrigin:        getEnvOrDefault("ALLOWED_ORIGIN", "*"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		GeminiAPIKey:         mustGetEnv("GEMINI_API_KEY"),
		GeminiModel:          getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		GeminiConcurrentReqs: getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),
		HistoryDir:           getEnvOrDefault("HISTORY_DIR", "./history"),
		HistoryMaxAge:        getEnvAsDurationOrDefault("HISTORY_MAX_AGE", time.Hour),
		RedisURL:             getEnvOrDefault("REDIS_URL", ""),
		RateLimitPerMin:      getEnvAsIntOrDefault("RATE_LIMIT_PER_MINUTE", 30),
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault parses a Go duration ("90m", "1h"). Non-positive
// or malformed values fall back to the default.
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
