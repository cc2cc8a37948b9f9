package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/api"
	"github.com/rendis/ensemble/internal/cache"
	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/hitl"
	"github.com/rendis/ensemble/internal/notify"
	"github.com/rendis/ensemble/internal/observability"
	"github.com/rendis/ensemble/internal/plugins"
	"github.com/rendis/ensemble/internal/scheduler"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/internal/validation"
	ensmcp "github.com/rendis/ensemble/pkg/mcp"
)

// app holds every long-lived component built from Config.
type app struct {
	cfg     Config
	logger  *slog.Logger
	obs     *observability.Context
	metrics http.Handler

	hub      *notify.MemoryHub
	notifier *ensmcp.EventNotifier
	sql      *store.LibSQLStore
	backends map[string]store.KVStore
	closers  []io.Closer

	agents    *agents.Registry
	plugins   *plugins.Manager
	ensembles *engine.Registry
	hitl      *hitl.Controller
	executor  engine.Executor
}

// newAgentRegistry registers the built-in agents plus the expression
// evaluators declared in cfg.
func newAgentRegistry(cfg Config) (*agents.Registry, error) {
	reg := agents.NewRegistry()
	if err := agents.RegisterBuiltins(reg, agents.HTTPConfig{}); err != nil {
		return nil, err
	}
	for name, expression := range cfg.Evaluators {
		if err := reg.RegisterEvaluator(agents.NewExprEvaluator(name, expression)); err != nil {
			return nil, fmt.Errorf("evaluator %s: %w", name, err)
		}
	}
	return reg, nil
}

// buildApp opens the configured backends and wires the engine. The caller
// must call close.
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger, withMetrics bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, backends: make(map[string]store.KVStore)}
	if err := a.wire(ctx, withMetrics); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, withMetrics bool) error {
	cfg := a.cfg
	var err error

	metrics := observability.NoopMetrics()
	if withMetrics && cfg.MetricsAddr != "" {
		if metrics, err = observability.NewPrometheusMetrics(); err != nil {
			return err
		}
		a.metrics = promhttp.Handler()
	}

	if cfg.usesLibSQL() {
		if a.sql, err = openLibSQL(ctx, cfg.DBPath); err != nil {
			return err
		}
		a.closers = append(a.closers, a.sql)
	}

	suspensions, err := a.suspensionStore(ctx)
	if err != nil {
		return err
	}
	cacheKV, err := a.openKV(ctx, cfg.CacheBackend)
	if err != nil {
		return err
	}

	a.hub = notify.NewMemoryHub()
	a.notifier = ensmcp.NewEventNotifier(ensmcp.NewSessionRegistry())
	sinks := []observability.EventSink{a.hub, a.notifier}
	if a.sql != nil {
		sinks = append(sinks, store.NewEventLogSink(a.sql))
	}
	a.obs = observability.New(a.logger, metrics, sinks...)

	if a.agents, err = newAgentRegistry(cfg); err != nil {
		return err
	}
	a.plugins = plugins.NewManager(a.agents, a.obs, version)
	a.closers = append(a.closers, a.plugins)
	for _, pc := range cfg.Plugins {
		if err := a.plugins.Load(ctx, pc); err != nil {
			return err
		}
	}
	validator, err := validation.New(a.agents)
	if err != nil {
		return err
	}
	a.ensembles = engine.NewRegistry(validator)
	if err := a.loadEnsembles(); err != nil {
		return err
	}

	timeout, err := cfg.suspendTimeout()
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(&notify.Factory{Hub: a.hub}, a.obs)
	a.hitl = hitl.NewController(suspensions, dispatcher, a.obs, hitl.Options{
		BaseURL:        cfg.BaseURL,
		DefaultTimeout: timeout,
	})

	a.executor, err = engine.NewExecutor(engine.Deps{
		Agents:     a.agents,
		Ensembles:  a.ensembles,
		Validator:  validator,
		Cache:      cache.New(cacheKV, a.obs),
		HITL:       a.hitl,
		Dispatcher: dispatcher,
		Obs:        a.obs,
	}, engine.Config{Env: cfg.Env})
	return err
}

func openLibSQL(ctx context.Context, path string) (*store.LibSQLStore, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "://") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = "file:" + path
	}
	s, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// suspensionStore uses the libSQL tables directly and any other backend
// through the KV adapter.
func (a *app) suspensionStore(ctx context.Context) (store.SuspensionStore, error) {
	if a.cfg.StoreBackend == backendLibSQL {
		return a.sql, nil
	}
	kv, err := a.openKV(ctx, a.cfg.StoreBackend)
	if err != nil {
		return nil, err
	}
	return store.NewKVSuspensionStore(kv), nil
}

// openKV returns the KV store for backend, opening it on first use so the
// store and cache share one connection when they name the same backend.
func (a *app) openKV(ctx context.Context, backend string) (store.KVStore, error) {
	if kv, ok := a.backends[backend]; ok {
		return kv, nil
	}
	var kv store.KVStore
	switch backend {
	case backendLibSQL:
		kv = a.sql
	case backendRedis:
		rs := store.NewRedisStore(store.RedisConfig{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, fmt.Errorf("redis %s: %w", a.cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, rs)
		kv = rs
	case backendBlob:
		bs, err := store.NewBlobStore(ctx, a.cfg.BlobURL, a.cfg.BlobPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, bs)
		kv = bs
	case backendMemory:
		kv = store.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
	a.backends[backend] = kv
	return kv, nil
}

func (a *app) loadEnsembles() error {
	if a.cfg.EnsembleDir == "" {
		return nil
	}
	if _, err := os.Stat(a.cfg.EnsembleDir); errors.Is(err, os.ErrNotExist) {
		a.logger.Debug("ensemble dir not found", slog.String("dir", a.cfg.EnsembleDir))
		return nil
	}
	n, err := a.ensembles.LoadDir(a.cfg.EnsembleDir)
	if err != nil {
		return err
	}
	a.logger.Info("ensembles loaded", slog.Int("count", n), slog.String("dir", a.cfg.EnsembleDir))
	return nil
}

// sweeper builds the expiry sweeper; with libSQL it also purges expired
// KV rows, which that backend does not drop on its own.
func (a *app) sweeper() (*scheduler.Sweeper, error) {
	s, err := scheduler.NewSweeper(a.executor, a.cfg.SweepSchedule, a.obs)
	if err != nil {
		return nil, err
	}
	if a.sql != nil {
		s.WithPurger(a.sql)
	}
	return s, nil
}

// apiHandler serves the HTTP API. Metrics are mounted on it when they share
// the listen address.
func (a *app) apiHandler() http.Handler {
	deps := api.Deps{
		Executor: a.executor,
		HITL:     a.hitl,
		Hub:      a.hub,
		Logger:   a.logger,
	}
	if a.sql != nil {
		deps.Events = a.sql
	}
	if a.metrics != nil && a.cfg.MetricsAddr == a.cfg.ListenAddr {
		deps.Metrics = a.metrics
	}
	return api.NewServer(deps).Handler()
}

func (a *app) mcpServer() *ensmcp.Server {
	return ensmcp.NewServer(ensmcp.ServerDeps{
		Executor: a.executor,
		Notifier: a.notifier,
		Logger:   a.logger,
		Version:  version,
	})
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}
