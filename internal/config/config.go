/*
 * Package config loads node configuration from MESH_* environment variables
 * with sensible defaults. The binary loads a .env file first, so every value
 * can live there or in the real environment.
 */
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/driftmesh/driftmesh/pkg/debug"
)

// Config is the node configuration.
type Config struct {
	ListenAddr   string        // HTTP/websocket listen address
	RootAddr     string        // bootstrap mesh address, empty for a root node
	LinkPassword string        // legacy link cipher password, empty disables
	Workers      int           // worker count
	MaxJobs      int           // per-worker soft queue target
	MinJobs      int
	MaxPeers     int
	TickInterval time.Duration // coordinator tick base interval
	RetryDir     string        // directory for failed-job buffers, empty for in-memory
	HistoryCron  string        // aggregation schedule for the metrics history
}

// Load reads the configuration from the environment.
func Load() Config {
	cfg := Config{
		ListenAddr:   getEnv("MESH_LISTEN_ADDR", ":31416"),
		RootAddr:     getEnv("MESH_ROOT_ADDR", ""),
		LinkPassword: getEnv("MESH_LINK_PASSWORD", ""),
		Workers:      getEnvInt("MESH_WORKERS", 2),
		MaxJobs:      getEnvInt("MESH_MAX_JOBS", 8),
		MinJobs:      getEnvInt("MESH_MIN_JOBS", 2),
		MaxPeers:     getEnvInt("MESH_MAX_PEERS", 4),
		TickInterval: getEnvDuration("MESH_TICK_INTERVAL", time.Second),
		RetryDir:     getEnv("MESH_RETRY_DIR", ""),
		HistoryCron:  getEnv("MESH_HISTORY_CRON", "@every 1m"),
	}
	debug.Info("Loaded config: listen=%s root=%s workers=%d", cfg.ListenAddr, cfg.RootAddr, cfg.Workers)
	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		debug.Warning("Invalid %s=%q, using %d: %v", key, value, fallback, err)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		debug.Warning("Invalid %s=%q, using %v: %v", key, value, fallback, err)
		return fallback
	}
	return d
}
