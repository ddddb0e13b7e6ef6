package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig is the process-level configuration read from the
// environment, optionally seeded from a .env file.
type AppConfig struct {
	APIURL            string
	APIToken          string
	DataDir           string
	LogPath           string
	VerifyInterval    time.Duration
	HeartbeatInterval time.Duration
	CriticalPaths     []string
	MonitoredPaths    []string
	UsePollingWatcher bool
}

// LoadConfig reads configuration from DESKGUARD_* environment
// variables. A .env file in the working directory is loaded first if
// present; real environment variables win over it.
func LoadConfig() AppConfig {
	_ = godotenv.Load()

	dataDir := envOr("DESKGUARD_DATA_DIR", defaultDataDir())

	cfg := AppConfig{
		APIURL:            os.Getenv("DESKGUARD_API_URL"),
		APIToken:          os.Getenv("DESKGUARD_API_TOKEN"),
		DataDir:           dataDir,
		LogPath:           envOr("DESKGUARD_LOG_PATH", filepath.Join(dataDir, "deskguard.log")),
		VerifyInterval:    envDuration("DESKGUARD_VERIFY_INTERVAL", 60*time.Second),
		HeartbeatInterval: envDuration("DESKGUARD_HEARTBEAT_INTERVAL", 30*time.Second),
		CriticalPaths:     envPaths("DESKGUARD_CRITICAL_PATHS"),
		MonitoredPaths:    envPaths("DESKGUARD_MONITORED_PATHS"),
		UsePollingWatcher: envBool("DESKGUARD_POLLING_WATCHER"),
	}

	if len(cfg.CriticalPaths) == 0 {
		if exe, err := os.Executable(); err == nil {
			cfg.CriticalPaths = []string{exe}
		}
	}

	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/tmp/deskguard"
	}
	return filepath.Join(home, ".deskguard")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envPaths(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(v, string(os.PathListSeparator)) {
		p = strings.TrimSpace(p)
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func envBool(key string) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && b
}
