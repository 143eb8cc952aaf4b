// Package app wires all StarBud subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems in dependency order, Run serves the WebSocket gateway and the
// management API until the context is cancelled, and Shutdown tears
// everything down in reverse-init order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/starbud-ai/starbud/internal/auth"
	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/devstate"
	"github.com/starbud-ai/starbud/internal/gateway"
	"github.com/starbud-ai/starbud/internal/health"
	"github.com/starbud-ai/starbud/internal/httpapi"
	"github.com/starbud-ai/starbud/internal/mcp"
	"github.com/starbud-ai/starbud/internal/metrics"
	"github.com/starbud-ai/starbud/internal/observe"
	"github.com/starbud-ai/starbud/internal/registry"
	"github.com/starbud-ai/starbud/internal/store"
	"github.com/starbud-ai/starbud/internal/summary"
	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/memory"
)

// Version is the reported server version, overridable at build time with
// -ldflags "-X github.com/starbud-ai/starbud/internal/app.Version=...".
var Version = "dev"

// shutdownGrace bounds how long Run waits for in-flight connections once the
// signal context is cancelled.
const shutdownGrace = 10 * time.Second

var _ gateway.ToolSession = (*mcp.Session)(nil)

// App owns all subsystem lifetimes for one StarBud server process.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	issuer   *auth.Issuer
	store    *store.Store
	redis    *redis.Client
	state    *devstate.State
	obs      *observe.Metrics
	recorder *metrics.Recorder
	registry *registry.Registry
	mcp      *mcp.Host
	summary  *summary.Scheduler
	gateway  *gateway.Gateway
	api      *httpapi.Server

	// closers run in reverse append order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: the conversation
// store, the optional Redis device state, telemetry, the usage recorder, the
// module registry with all built-in provider factories, the MCP tool host,
// the background summary workers, and the two HTTP surfaces.
//
// Initialisation is synchronous; a failure leaves nothing running (closers
// already appended are unwound).
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, log: logger}

	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("app: init auth: %w", err)
	}
	a.issuer = issuer

	init := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"redis", a.initRedis},
		{"observe", a.initObserve},
		{"recorder", a.initRecorder},
		{"registry", a.initRegistry},
		{"mcp", a.initMCP},
		{"summary", a.initSummary},
		{"servers", a.initServers},
	}
	for _, step := range init {
		if err := step.fn(ctx); err != nil {
			a.unwind()
			return nil, fmt.Errorf("app: init %s: %w", step.name, err)
		}
	}

	return a, nil
}

// unwind releases whatever New managed to set up before failing.
func (a *App) unwind() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("unwind closer failed", slog.Any("error", err))
		}
	}
	a.closers = nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	st, err := store.New(ctx, a.cfg.Postgres.DSN, a.cfg.Postgres.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

// initRedis connects the device runtime state. Redis is optional: without it
// sessions still run, but telemetry, bind challenges and cross-instance
// presence are disabled.
func (a *App) initRedis(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.log.Info("redis not configured, device state disabled")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("ping: %w", err)
	}

	a.redis = rdb
	a.state = devstate.New(rdb, a.cfg.Redis.KeyPrefix)
	a.closers = append(a.closers, rdb.Close)
	return nil
}

func (a *App) initObserve(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "starbud",
		ServiceVersion: Version,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return shutdown(sctx)
	})

	a.obs = observe.DefaultMetrics()
	return nil
}

func (a *App) initRecorder(context.Context) error {
	opts := []metrics.Option{
		metrics.WithLogger(a.log),
		metrics.WithMirror(a.obs),
	}
	if a.cfg.Metrics.FlushInterval > 0 {
		opts = append(opts, metrics.WithFlushInterval(a.cfg.Metrics.FlushInterval))
	}
	if a.cfg.Metrics.BufferSize > 0 {
		opts = append(opts, metrics.WithBufferSize(a.cfg.Metrics.BufferSize))
	}
	if len(a.cfg.Metrics.CustomPricing) > 0 {
		opts = append(opts, metrics.WithPricing(pricingFromConfig(a.cfg.Metrics.CustomPricing)))
	}

	a.recorder = metrics.New(a.store, opts...)
	a.closers = append(a.closers, a.recorder.Close)
	return nil
}

func (a *App) initRegistry(context.Context) error {
	var catalog *registry.Catalog
	if path := a.cfg.Modules.CatalogPath; path != "" {
		c, err := registry.LoadCatalog(path)
		if err != nil {
			return err
		}
		catalog = c
	}

	reg := registry.New(registry.Env{
		Store:       a.store,
		Metrics:     a.recorder,
		Logger:      a.log,
		HTTPClient:  &http.Client{},
		Redis:       a.redis,
		Credentials: a.cfg.Modules.Credentials,
		WireFormat:  audio.Wire,
	}, catalog)
	registerModules(reg)
	a.registry = reg

	if a.cfg.Modules.CatalogPath != "" && a.cfg.Modules.WatchInterval > 0 {
		stop := reg.WatchCatalog(a.cfg.Modules.CatalogPath, a.cfg.Modules.WatchInterval)
		a.closers = append(a.closers, func() error {
			stop()
			return nil
		})
	}
	return nil
}

func (a *App) initMCP(ctx context.Context) error {
	host := mcp.New(a.log)
	host.Connect(ctx, a.cfg.MCP)
	a.mcp = host
	a.closers = append(a.closers, host.Close)
	return nil
}

// initSummary builds the scheduler on the catalog's default LLM module. With
// no default the background workers stay off; session traffic still flows.
func (a *App) initSummary(context.Context) error {
	mod, code, err := a.registry.BuildModule(config.ModuleLLM, nil)
	if err != nil {
		return err
	}
	if mod == nil {
		a.log.Warn("no default llm module, summary workers disabled")
		return nil
	}
	provider, ok := mod.(llm.Provider)
	if !ok {
		return fmt.Errorf("llm module %q does not implement llm.Provider", code)
	}
	if c, ok := mod.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	sched, err := summary.New(summary.Config{
		Store:         a.store,
		LLM:           provider,
		Recorder:      a.recorder,
		Summary:       a.cfg.Summary,
		RetentionDays: a.cfg.Metrics.RetentionDays,
		Logger:        a.log,
	})
	if err != nil {
		return err
	}
	a.summary = sched
	a.closers = append(a.closers, func() error {
		sched.Close()
		return nil
	})

	a.log.Info("summary workers configured",
		slog.String("llm", code),
		slog.Int("workers", a.cfg.Summary.AnalysisWorkers))
	return nil
}

func (a *App) initServers(context.Context) error {
	gcfg := gateway.Config{
		Auth:     a.issuer,
		Registry: a.registry,
		Store:    a.store,
		Recorder: a.recorder,
		Metrics:  a.obs,
		Pipeline: a.cfg.Pipeline,
		Logger:   a.log,
		MCP: func(agentID int64, mem memory.Store) gateway.ToolSession {
			return a.mcp.NewSession(agentID, mem)
		},
	}
	if a.state != nil {
		gcfg.Presence = a.state
	}
	gw, err := gateway.New(gcfg)
	if err != nil {
		return err
	}
	a.gateway = gw

	acfg := httpapi.Config{
		Auth:     a.issuer,
		Store:    a.store,
		Modules:  a.registry,
		Recorder: a.recorder,
		Metrics:  a.obs,
		Logger:   a.log,
	}
	if a.state != nil {
		acfg.Binder = a.state
	}
	api, err := httpapi.New(acfg)
	if err != nil {
		return err
	}
	a.api = api
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the combined HTTP surface: the management API routes, the
// WebSocket gateway mounted at /ws/chat, and the liveness/readiness probes.
func (a *App) Handler() http.Handler {
	r := a.api.Router()
	r.Handle("/ws/chat", a.gateway)

	checkers := []health.Checker{{
		Name:  "database",
		Check: func(ctx context.Context) error { return a.store.Pool().Ping(ctx) },
	}}
	if a.redis != nil {
		checkers = append(checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}
	probes := health.New(checkers...)
	r.Get("/healthz", probes.Healthz)
	r.Get("/readyz", probes.Readyz)

	return r
}

// Run starts the summary workers and serves HTTP until ctx is cancelled,
// then drains connections and returns the context error.
func (a *App) Run(ctx context.Context) error {
	if a.summary != nil {
		if err := a.summary.Start(ctx); err != nil {
			return fmt.Errorf("app: start summary: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var msrv *http.Server
	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		msrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	if msrv != nil {
		g.Go(func() error {
			a.log.Info("metrics listening", slog.String("addr", msrv.Addr))
			if err := msrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve metrics: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if msrv != nil {
			if err := msrv.Shutdown(sctx); err != nil {
				a.log.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		if err := srv.Shutdown(sctx); err != nil {
			a.log.Warn("http server shutdown", slog.Any("error", err))
		}
		if err := a.gateway.Shutdown(sctx); err != nil {
			a.log.Warn("gateway shutdown", slog.Any("error", err))
		}
		return ctx.Err()
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before every closer has run, the rest are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", slog.Int("closers", len(a.closers)))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", slog.Int("remaining", i+1))
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer failed", slog.Int("index", i), slog.Any("error", err))
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// NewLogger builds the process logger from server config: text or JSON
// handler at the configured level, writing to w.
func NewLogger(cfg config.ServerConfig, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch cfg.LogLevel {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.LogFormat == config.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// pricingFromConfig converts config pricing overrides to recorder pricing.
func pricingFromConfig(custom map[string]config.PricingEntry) map[string]metrics.Pricing {
	out := make(map[string]metrics.Pricing, len(custom))
	for model, p := range custom {
		out[model] = metrics.Pricing{Input: p.Input, Output: p.Output}
	}
	return out
}
