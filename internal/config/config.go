package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Knowledge KnowledgeConfig
}

type AppConfig struct {
	Port               string
	BaseURL            string
	Environment        string
	LogFilePath        string
	StreamLogFilePath  string
	CorsAllowedOrigins string
	RedisURL           string
	BodyLimitMB        int
}

type DatabaseConfig struct {
	Connection string
}

type KnowledgeConfig struct {
	BaseURL      string
	DefaultModel string

	// Polling knobs: bounded, increasing backoff up to a cap, with a
	// wall-clock budget after which polling fails with Timeout.
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollBudget          time.Duration

	// Total wait for a final stream event.
	StreamBudget time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			BaseURL:            getEnv("APP_BASE_URL", "http://localhost:3000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "app.log"),
			StreamLogFilePath:  getEnv("STREAM_LOG_FILE_PATH", "logs/stream.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
			BodyLimitMB:        getEnvAsInt("APP_BODY_LIMIT_MB", 50),
		},
		Database: DatabaseConfig{
			Connection: getEnv("DB_CONNECTION_STRING", ""),
		},
		Knowledge: KnowledgeConfig{
			BaseURL:             getEnv("KNOWLEDGE_BASE_URL", "http://localhost:8200"),
			DefaultModel:        getEnv("KNOWLEDGE_DEFAULT_MODEL", "kb-chat"),
			PollInitialInterval: getEnvAsDuration("KNOWLEDGE_POLL_INITIAL_INTERVAL", 500*time.Millisecond),
			PollMaxInterval:     getEnvAsDuration("KNOWLEDGE_POLL_MAX_INTERVAL", 10*time.Second),
			PollBudget:          getEnvAsDuration("KNOWLEDGE_POLL_BUDGET", 5*time.Minute),
			StreamBudget:        getEnvAsDuration("KNOWLEDGE_STREAM_BUDGET", 2*time.Minute),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
