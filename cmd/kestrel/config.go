package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all kestrel configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	MaxParallel int    `json:"max_parallel"`
	Persist     bool   `json:"persist"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(kestrelDir(), "kestrel.db"),
		LogLevel:    "info",
		MaxParallel: 4,
		Persist:     true,
	}
}

func kestrelDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kestrel"
	}
	return filepath.Join(home, ".kestrel")
}

func settingsPath() string {
	return filepath.Join(kestrelDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("KESTREL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KESTREL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KESTREL_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallel = n
		}
	}
	if v := os.Getenv("KESTREL_PERSIST"); v != "" {
		cfg.Persist = v == "true" || v == "1"
	}

	return cfg
}
