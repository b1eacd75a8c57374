package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Data directory
	DataDir string

	// Database
	DatabasePath string

	// Agent CLI
	AgentBin       string // binary used for both terminal and stream sessions
	TranscriptsDir string // root of externally written transcript logs
	MaxSessions    int

	// Health reconciler
	ReconcileInterval time.Duration

	// Debug settings
	LogLevel     string
	DBLogQueries bool
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("AGENTDECK_DATA_DIR", "./data")

	homeDir, _ := os.UserHomeDir()
	transcriptsDir := getEnv("AGENTDECK_TRANSCRIPTS_DIR", filepath.Join(homeDir, ".claude", "projects"))

	return &Config{
		// Server
		Port: getEnvInt("PORT", 12400),
		Host: getEnv("HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		// Data
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "agentdeck.sqlite"),

		// Agent CLI
		AgentBin:       getEnv("AGENTDECK_AGENT_BIN", "claude"),
		TranscriptsDir: transcriptsDir,
		MaxSessions:    getEnvInt("AGENTDECK_MAX_SESSIONS", 10),

		// Reconciler
		ReconcileInterval: getEnvDuration("AGENTDECK_RECONCILE_INTERVAL", 30*time.Second),

		// Debug
		LogLevel:     getEnv("AGENTDECK_LOG_LEVEL", "info"),
		DBLogQueries: getEnv("DB_LOG_QUERIES", "") == "1",
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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
