package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"), envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4200", cfg.BaseURL)
	assert.Equal(t, backendLibSQL, cfg.StoreBackend)
	assert.Equal(t, backendMemory, cfg.CacheBackend)
	assert.Equal(t, "@every 1m", cfg.SweepSchedule)
	assert.True(t, cfg.usesLibSQL())

	d, err := cfg.suspendTimeout()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	path := writeSettings(t, `{
		"listen_addr": ":9000",
		"store_backend": "redis",
		"redis_db": 3,
		"env": {"region": "eu"},
		"evaluators": {"length": "len(content) > 10 ? 1 : 0"},
		"plugins": [{"name": "fs", "command": "mcp-fs", "args": ["--root", "/tmp"]}]
	}`)
	cfg, err := loadConfigFrom(path, envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, backendRedis, cfg.StoreBackend)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, map[string]any{"region": "eu"}, cfg.Env)
	assert.Contains(t, cfg.Evaluators, "length")
	require.Len(t, cfg.Plugins, 1)
	assert.Equal(t, "mcp-fs", cfg.Plugins[0].Command)
	assert.False(t, cfg.usesLibSQL())
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeSettings(t, `{"log_level": "warn", "base_url": "https://file.example"}`)
	cfg, err := loadConfigFrom(path, envOf(map[string]string{
		"ENSEMBLE_LOG_LEVEL":     "debug",
		"ENSEMBLE_BASE_URL":      "https://env.example",
		"ENSEMBLE_CACHE_BACKEND": "blob",
		"ENSEMBLE_BLOB_URL":      "mem://",
		"ENSEMBLE_REDIS_DB":      "5",
	}))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://env.example", cfg.BaseURL)
	assert.Equal(t, backendBlob, cfg.CacheBackend)
	assert.Equal(t, 5, cfg.RedisDB)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "bad json", file: `{"listen_addr":`, want: "parse"},
		{name: "unknown backend", env: map[string]string{"ENSEMBLE_STORE_BACKEND": "etcd"}, want: "unknown backend"},
		{name: "blob without url", env: map[string]string{"ENSEMBLE_STORE_BACKEND": "blob"}, want: "requires blob_url"},
		{name: "bad timeout", env: map[string]string{"ENSEMBLE_DEFAULT_SUSPEND_TIMEOUT": "soon"}, want: "default_suspend_timeout"},
		{name: "bad redis db", env: map[string]string{"ENSEMBLE_REDIS_DB": "zero"}, want: "ENSEMBLE_REDIS_DB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "none.json")
			if tt.file != "" {
				path = writeSettings(t, tt.file)
			}
			_, err := loadConfigFrom(path, envOf(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
