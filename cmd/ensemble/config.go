package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/ensemble/internal/plugins"
	"github.com/rendis/ensemble/internal/scheduler"
)

// Backend names accepted by store_backend and cache_backend.
const (
	backendLibSQL = "libsql"
	backendRedis  = "redis"
	backendBlob   = "blob"
	backendMemory = "memory"
)

// Config holds all ensemble server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr            string            `json:"listen_addr"`
	BaseURL               string            `json:"base_url"`
	DBPath                string            `json:"db_path"`
	LogLevel              string            `json:"log_level"`
	EnsembleDir           string            `json:"ensemble_dir"`
	StoreBackend          string            `json:"store_backend"`
	CacheBackend          string            `json:"cache_backend"`
	RedisAddr             string            `json:"redis_addr"`
	RedisPassword         string            `json:"redis_password"`
	RedisDB               int               `json:"redis_db"`
	BlobURL               string            `json:"blob_url"`
	BlobPrefix            string            `json:"blob_prefix"`
	DefaultSuspendTimeout string            `json:"default_suspend_timeout"`
	SweepSchedule         string            `json:"sweep_schedule"`
	MetricsAddr           string            `json:"metrics_addr"`
	Env                   map[string]any    `json:"env"`
	Evaluators            map[string]string `json:"evaluators"`
	Plugins               []plugins.Config  `json:"plugins"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:            ":4200",
		DBPath:                filepath.Join(ensembleDir(), "ensemble.db"),
		LogLevel:              "info",
		EnsembleDir:           filepath.Join(ensembleDir(), "ensembles"),
		StoreBackend:          backendLibSQL,
		CacheBackend:          backendMemory,
		RedisAddr:             "localhost:6379",
		BlobPrefix:            "ensemble/",
		DefaultSuspendTimeout: "24h",
		SweepSchedule:         scheduler.DefaultSweepSchedule,
	}
}

func ensembleDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ensemble"
	}
	return filepath.Join(home, ".ensemble")
}

func settingsPath() string {
	return filepath.Join(ensembleDir(), "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file at path and the variables
// returned by getenv over the defaults. A missing file is not an error.
func loadConfigFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	str := map[string]*string{
		"ENSEMBLE_LISTEN_ADDR":             &cfg.ListenAddr,
		"ENSEMBLE_BASE_URL":                &cfg.BaseURL,
		"ENSEMBLE_DB_PATH":                 &cfg.DBPath,
		"ENSEMBLE_LOG_LEVEL":               &cfg.LogLevel,
		"ENSEMBLE_DIR":                     &cfg.EnsembleDir,
		"ENSEMBLE_STORE_BACKEND":           &cfg.StoreBackend,
		"ENSEMBLE_CACHE_BACKEND":           &cfg.CacheBackend,
		"ENSEMBLE_REDIS_ADDR":              &cfg.RedisAddr,
		"ENSEMBLE_REDIS_PASSWORD":          &cfg.RedisPassword,
		"ENSEMBLE_BLOB_URL":                &cfg.BlobURL,
		"ENSEMBLE_BLOB_PREFIX":             &cfg.BlobPrefix,
		"ENSEMBLE_DEFAULT_SUSPEND_TIMEOUT": &cfg.DefaultSuspendTimeout,
		"ENSEMBLE_SWEEP_SCHEDULE":          &cfg.SweepSchedule,
		"ENSEMBLE_METRICS_ADDR":            &cfg.MetricsAddr,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("ENSEMBLE_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("ENSEMBLE_REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	for field, backend := range map[string]string{"store_backend": c.StoreBackend, "cache_backend": c.CacheBackend} {
		switch backend {
		case backendLibSQL, backendRedis, backendBlob, backendMemory:
		default:
			return fmt.Errorf("%s: unknown backend %q", field, backend)
		}
		if backend == backendBlob && c.BlobURL == "" {
			return fmt.Errorf("%s: blob backend requires blob_url", field)
		}
	}
	if _, err := c.suspendTimeout(); err != nil {
		return err
	}
	return nil
}

func (c Config) suspendTimeout() (time.Duration, error) {
	if strings.TrimSpace(c.DefaultSuspendTimeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.DefaultSuspendTimeout)
	if err != nil {
		return 0, fmt.Errorf("default_suspend_timeout: %w", err)
	}
	return d, nil
}

// usesLibSQL reports whether either backend opens the SQL database.
func (c Config) usesLibSQL() bool {
	return c.StoreBackend == backendLibSQL || c.CacheBackend == backendLibSQL
}
