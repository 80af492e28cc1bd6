// Package config gathers the environment-driven settings in one place.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-level settings. All fields come from MODELFETCH_*
// environment variables; zero values mean "use the component default".
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// MaxActive bounds concurrently running transfers.
	MaxActive int
	// MaxRetries bounds attempts per task on transient failure.
	MaxRetries int
	// ChunkBytes is the transfer read buffer size.
	ChunkBytes int
	// ProgressInterval throttles progress broadcasts per task.
	ProgressInterval time.Duration
	// Retention is how long terminal tasks stay listable.
	Retention time.Duration
	// HTTPTimeout is the per-attempt wall-clock bound.
	HTTPTimeout time.Duration

	// LogFile enables rotated file logging when non-empty.
	LogFile string
	// Repo selects the task table backend: "inmem" (default) or "postgres".
	Repo string
}

// FromEnv reads the configuration from the environment.
func FromEnv() Config {
	return Config{
		Addr:             getenv("MODELFETCH_ADDR", ":9090"),
		MaxActive:        getint("MODELFETCH_MAX_ACTIVE", 3),
		MaxRetries:       getint("MODELFETCH_MAX_RETRIES", 3),
		ChunkBytes:       getint("MODELFETCH_CHUNK_BYTES", 1<<20),
		ProgressInterval: getms("MODELFETCH_PROGRESS_MS", 500*time.Millisecond),
		Retention:        getms("MODELFETCH_RETENTION_MS", time.Hour),
		HTTPTimeout:      getms("MODELFETCH_HTTP_TIMEOUT_MS", 10*time.Minute),
		LogFile:          os.Getenv("MODELFETCH_LOG_FILE"),
		Repo:             getenv("MODELFETCH_REPO", "inmem"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getms(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
