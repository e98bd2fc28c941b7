package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds process configuration.
type Config struct {
	LogLevel     string
	LogFormat    string
	LogFile      string
	LogMaxSizeMB int

	DataDir string

	DatabaseDriver string
	DatabaseURL    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool

	ResilienceProfile   string
	SigningSeedHex      string
	ArtifactStorageType string
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := getenv("DATA_DIR", "data")

	driver := strings.ToLower(getenv("DATABASE_DRIVER", "sqlite"))
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" && driver == "sqlite" {
		dbURL = filepath.Join(dataDir, "evidence-index.db")
	}

	return &Config{
		LogLevel:            getenv("LOG_LEVEL", "info"),
		LogFormat:           getenv("LOG_FORMAT", "text"),
		LogFile:             os.Getenv("LOG_FILE"),
		LogMaxSizeMB:        getenvInt("LOG_MAX_SIZE_MB", 100),
		DataDir:             dataDir,
		DatabaseDriver:      driver,
		DatabaseURL:         dbURL,
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getenvInt("REDIS_DB", 0),
		OTelEnabled:         os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:        getenv("OTEL_ENDPOINT", "localhost:4317"),
		OTelInsecure:        os.Getenv("OTEL_INSECURE") == "true",
		ResilienceProfile:   os.Getenv("RESILIENCE_PROFILE"),
		SigningSeedHex:      os.Getenv("SIGNING_SEED_HEX"),
		ArtifactStorageType: getenv("ARTIFACT_STORAGE_TYPE", "fs"),
	}
}

// SigningSeed decodes SigningSeedHex. An unset seed returns nil.
func (c *Config) SigningSeed() ([]byte, error) {
	if c.SigningSeedHex == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(strings.TrimSpace(c.SigningSeedHex))
	if err != nil {
		return nil, fmt.Errorf("SIGNING_SEED_HEX: %w", err)
	}
	if len(seed) < 32 {
		return nil, fmt.Errorf("SIGNING_SEED_HEX: need at least 32 bytes, got %d", len(seed))
	}
	return seed, nil
}

// ArtifactDir is where the filesystem artifact store keeps blobs.
func (c *Config) ArtifactDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
