package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"agentstore/internal/apperr"
	"agentstore/internal/record"
	"agentstore/internal/vectorstore"
)

// Backend names accepted by VECTOR_BACKEND.
const (
	BackendQdrant = "qdrant"
	BackendSQLite = "sqlite"
)

// Config holds all configuration for the application.
type Config struct {
	Backend          string
	QdrantURL        string
	QdrantAPIKey     string
	QdrantUseTLS     bool
	SQLitePath       string
	CollectionPrefix string
	VectorSize       int
	Distance         vectorstore.Distance
	UserID           string
	AgentID          string
	APIPort          string
	// EmbeddingBaseURL enables text-only inserts and queries when set.
	EmbeddingBaseURL string
	EmbeddingModel   string
	EmbeddingAPIKey  string
	LogLevel         slog.Level
	LogFormat        string
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates required fields.
// If a .env file exists in the current directory or one of its parents, it is loaded first.
// Environment variables already set take precedence over .env file values.
// Every failure wraps apperr.ErrConfiguration.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		Backend:          strings.ToLower(getEnv("VECTOR_BACKEND", BackendQdrant)),
		QdrantURL:        getEnv("QDRANT_URL", "http://localhost:6333"),
		QdrantAPIKey:     getEnv("QDRANT_API_KEY", ""),
		SQLitePath:       getEnv("SQLITE_PATH", vectorstore.MemoryDSN),
		CollectionPrefix: getEnv("COLLECTION_PREFIX", "agentstore"),
		UserID:           getEnv("USER_ID", ""),
		AgentID:          getEnv("AGENT_ID", ""),
		APIPort:          getEnv("API_PORT", "9000"),
		EmbeddingBaseURL: getEnv("EMBEDDING_BASE_URL", ""),
		EmbeddingModel:   getEnv("EMBEDDING_MODEL", "text-embedding-ada-002"),
		EmbeddingAPIKey:  getEnv("EMBEDDING_API_KEY", ""),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	if cfg.Backend != BackendQdrant && cfg.Backend != BackendSQLite {
		return nil, configError("VECTOR_BACKEND must be %q or %q, got %q", BackendQdrant, BackendSQLite, cfg.Backend)
	}

	useTLS, err := strconv.ParseBool(getEnv("QDRANT_USE_TLS", "false"))
	if err != nil {
		return nil, configError("QDRANT_USE_TLS must be a boolean: %v", err)
	}
	cfg.QdrantUseTLS = useTLS

	// Must match the output size of the embedding model feeding the connector.
	vectorSizeStr := getEnv("VECTOR_SIZE", "")
	if vectorSizeStr == "" {
		return nil, configError("VECTOR_SIZE is required")
	}
	vectorSize, err := strconv.Atoi(vectorSizeStr)
	if err != nil {
		return nil, configError("VECTOR_SIZE must be a valid integer: %v", err)
	}
	if vectorSize <= 0 {
		return nil, configError("VECTOR_SIZE must be greater than 0")
	}
	cfg.VectorSize = vectorSize

	distance, err := vectorstore.ParseDistance(getEnv("VECTOR_DISTANCE", ""))
	if err != nil {
		return nil, configError("VECTOR_DISTANCE: %v", err)
	}
	cfg.Distance = distance

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, configError("LOG_LEVEL: %v", err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, configError("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	if cfg.CollectionPrefix == "" {
		return nil, configError("COLLECTION_PREFIX must not be empty")
	}

	// Create the parent directory of an on-disk SQLite database.
	if cfg.Backend == BackendSQLite && !strings.HasPrefix(cfg.SQLitePath, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
			return nil, configError("failed to create data directory: %v", err)
		}
	}

	return cfg, nil
}

// CollectionName returns the backend collection holding table's records.
func (c *Config) CollectionName(table record.Table) string {
	return c.CollectionPrefix + "_" + string(table)
}

// Scope returns the user/agent scope for connectors of table, or nil when unset.
// Only fields the table's schema declares are included.
func (c *Config) Scope(table record.Table) map[string]any {
	schema, err := record.SchemaFor(table)
	if err != nil {
		return nil
	}
	scope := make(map[string]any)
	if c.UserID != "" && schema.Has("user_id") {
		scope["user_id"] = c.UserID
	}
	if c.AgentID != "" && schema.Has("agent_id") {
		scope["agent_id"] = c.AgentID
	}
	if len(scope) == 0 {
		return nil
	}
	return scope
}

// loadDotEnv loads the nearest .env file, checking the current directory and up to five parents.
func loadDotEnv() {
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	dir := wd
	for i := 0; i < 6; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return // Reached filesystem root
		}
		dir = parent
	}
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrConfiguration, fmt.Sprintf(format, args...))
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
