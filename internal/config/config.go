// Package config loads node configuration from the environment, optionally
// seeded from a .env file, and watches that file for runtime changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults for every tunable; environment variables override them.
const (
	DefaultListenAddr       = ":7070"
	DefaultMetricsAddr      = ":9090"
	DefaultDataDir          = "/var/lib/sensocto"
	DefaultMaxSensors       = 10000
	DefaultMailboxHighWater = 10000
	DefaultBaseWindowMs     = 2000
	DefaultOfflineGrace     = 60 * time.Second
	DefaultSnapshotRetain   = 7 * 24 * time.Hour
)

// Config is the node's resolved configuration.
type Config struct {
	NodeName    string
	ListenAddr  string
	MetricsAddr string
	DataDir     string

	CatalogDBPath  string
	SnapshotDBPath string

	MaxSensorsPerNode int
	MailboxHighWater  int
	BaseWindowMs      int
	OfflineGrace      time.Duration
	SnapshotRetention time.Duration

	LogLevel  string
	LogFormat string

	// EnvPath is the .env file the watcher follows; empty disables watching.
	EnvPath string
}

// Load resolves the configuration. envPath, when non-empty and present, seeds
// the process environment first; real environment variables win over the file.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load env file %s: %w", envPath, err)
			}
			log.Debug().Str("path", envPath).Msg("No env file, using process environment")
		} else {
			log.Info().Str("path", envPath).Msg("Loaded env file")
		}
	}

	cfg := &Config{
		NodeName:          getEnv("NODE_NAME", defaultNodeName()),
		ListenAddr:        getEnv("LISTEN_ADDR", DefaultListenAddr),
		MetricsAddr:       getEnv("METRICS_ADDR", DefaultMetricsAddr),
		DataDir:           getEnv("DATA_DIR", DefaultDataDir),
		MaxSensorsPerNode: getEnvInt("MAX_SENSORS_PER_NODE", DefaultMaxSensors),
		MailboxHighWater:  getEnvInt("MAILBOX_HIGH_WATER", DefaultMailboxHighWater),
		BaseWindowMs:      getEnvInt("BASE_WINDOW_MS", DefaultBaseWindowMs),
		OfflineGrace:      getEnvDuration("OFFLINE_GRACE_SECONDS", DefaultOfflineGrace),
		SnapshotRetention: getEnvDuration("SNAPSHOT_RETENTION_SECONDS", DefaultSnapshotRetain),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "auto"),
		EnvPath:           envPath,
	}

	cfg.CatalogDBPath = getEnv("CATALOG_DB_PATH", filepath.Join(cfg.DataDir, "catalog.db"))
	cfg.SnapshotDBPath = getEnv("SNAPSHOT_DB_PATH", filepath.Join(cfg.DataDir, "rooms.db"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxSensorsPerNode <= 0 {
		return fmt.Errorf("MAX_SENSORS_PER_NODE must be positive, got %d", c.MaxSensorsPerNode)
	}
	if c.MailboxHighWater <= 0 {
		return fmt.Errorf("MAILBOX_HIGH_WATER must be positive, got %d", c.MailboxHighWater)
	}
	if c.BaseWindowMs <= 0 {
		return fmt.Errorf("BASE_WINDOW_MS must be positive, got %d", c.BaseWindowMs)
	}
	return nil
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "sensocto-node"
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return time.Duration(secs) * time.Second
}
