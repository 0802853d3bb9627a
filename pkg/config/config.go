// Package config loads server configuration from the environment and the
// governance profile (policy rules, agent registry) from YAML.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabasePath string
	RedisAddr    string
	ProfilePath  string

	// SafeMode forces an approval requirement on every non-read-only
	// command regardless of per-capability policy.
	SafeMode bool

	// DispatchSync executes allowed commands inline with the request
	// instead of handing them to the worker pool.
	DispatchSync bool

	Workers    int
	QueueDepth int
	MaxRetries int

	// PollInterval and PollMaxAttempts bound capability polling of
	// long-running remote jobs.
	PollInterval    time.Duration
	PollMaxAttempts int

	// HTTPAllowedHosts is the closed set of hosts the http.request
	// capability may target. Empty means the capability refuses all
	// targets.
	HTTPAllowedHosts []string
}

// Load loads configuration from environment variables with safe defaults.
func Load() *Config {
	cfg := &Config{
		Port:            getenv("PORT", "8080"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		DatabasePath:    getenv("DATABASE_PATH", "writegate.db"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		ProfilePath:     getenv("PROFILE_PATH", "profile.yaml"),
		SafeMode:        os.Getenv("SAFE_MODE") == "true",
		DispatchSync:    os.Getenv("DISPATCH_SYNC") == "true",
		Workers:         getint("WORKERS", 4),
		QueueDepth:      getint("QUEUE_DEPTH", 256),
		MaxRetries:      getint("MAX_RETRIES", 1),
		PollInterval:    getduration("POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts: getint("POLL_MAX_ATTEMPTS", 30),
	}
	if hosts := os.Getenv("HTTP_ALLOWED_HOSTS"); hosts != "" {
		for _, h := range strings.Split(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.HTTPAllowedHosts = append(cfg.HTTPAllowedHosts, h)
			}
		}
	}

	// Retries beyond one re-invoke a side-effect path; the queue is
	// specified to allow 0 or 1 only.
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries > 1 {
		cfg.MaxRetries = 1
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
