package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port      string
	Env       string
	LogLevel  string
	StaticDir string

	// Store
	StoreDriver    string
	SQLitePath     string
	DatabaseURL    string
	RedisURL       string
	RedisKeyPrefix string
	DynamoTable    string

	// Completion
	CompletionProvider    string
	CompletionAPIKey      string
	CompletionAPIKeyParam string
	CompletionBaseURL     string
	CompletionModel       string
	SystemPrompt          string

	// Relay
	IdleTimeout        time.Duration
	PersistTimeout     time.Duration
	MaxHistoryMessages int

	DefaultRoomTitle string
}

// Load reads the environment, loading .env first outside production.
func Load() *Config {
	if os.Getenv("ENV") != "production" {
		// a missing .env is fine
		_ = godotenv.Load()
	}

	return &Config{
		Port:      getEnvOrDefault("PORT", "8080"),
		Env:       getEnvOrDefault("ENV", "development"),
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		StaticDir: getEnvOrDefault("STATIC_DIR", "web"),

		StoreDriver:    getEnvOrDefault("STORE_DRIVER", "sqlite"),
		SQLitePath:     getEnvOrDefault("SQLITE_PATH", "rooms.db"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		RedisKeyPrefix: getEnvOrDefault("REDIS_KEY_PREFIX", "chatrooms:"),
		DynamoTable:    os.Getenv("DYNAMODB_TABLE"),

		CompletionProvider:    getEnvOrDefault("COMPLETION_PROVIDER", "openai"),
		CompletionAPIKey:      os.Getenv("COMPLETION_API_KEY"),
		CompletionAPIKeyParam: os.Getenv("COMPLETION_API_KEY_PARAM"),
		CompletionBaseURL:     os.Getenv("COMPLETION_BASE_URL"),
		CompletionModel:       getEnvOrDefault("COMPLETION_MODEL", "gpt-4o-mini"),
		SystemPrompt:          os.Getenv("SYSTEM_PROMPT"),

		IdleTimeout:        getEnvAsDurationOrDefault("COMPLETION_IDLE_TIMEOUT", 60*time.Second),
		PersistTimeout:     getEnvAsDurationOrDefault("PERSIST_TIMEOUT", 5*time.Second),
		MaxHistoryMessages: getEnvAsIntOrDefault("MAX_HISTORY_MESSAGES", 0),

		DefaultRoomTitle: getEnvOrDefault("DEFAULT_ROOM_TITLE", "New chat"),
	}
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be a number, got %q", c.Port))
	}

	switch strings.ToLower(c.StoreDriver) {
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed in production"))
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis store"))
		}
	case "dynamodb":
		if c.DynamoTable == "" {
			errs = append(errs, errors.New("DYNAMODB_TABLE is required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch strings.ToLower(c.CompletionProvider) {
	case "echo":
		if c.IsProduction() {
			errs = append(errs, errors.New("COMPLETION_PROVIDER=echo is not allowed in production"))
		}
	case "openai", "go-openai", "gemini":
		if c.CompletionAPIKey == "" && c.CompletionAPIKeyParam == "" && c.CompletionBaseURL == "" {
			errs = append(errs, errors.New("COMPLETION_API_KEY or COMPLETION_API_KEY_PARAM is required"))
		}
		if strings.TrimSpace(c.CompletionModel) == "" {
			errs = append(errs, errors.New("COMPLETION_MODEL must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown COMPLETION_PROVIDER %q", c.CompletionProvider))
	}

	if c.PersistTimeout <= 0 {
		errs = append(errs, errors.New("PERSIST_TIMEOUT must be positive"))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, errors.New("COMPLETION_IDLE_TIMEOUT must not be negative"))
	}
	if c.MaxHistoryMessages < 0 {
		errs = append(errs, errors.New("MAX_HISTORY_MESSAGES must not be negative"))
	}

	return errors.Join(errs...)
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

// getEnvAsDurationOrDefault accepts Go durations ("90s") or bare seconds ("90").
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
