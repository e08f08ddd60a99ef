// Package app wires the chatrelay subsystems into a running service.
//
// New builds everything from a [config.Config], Run serves HTTP until its
// context is cancelled, and Shutdown releases what New acquired. Tests
// inject doubles through the With* options; anything not injected is built
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/api"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/auditlog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/config"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/health"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/observe"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/resilience"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/router"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/settings"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/transport"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider/webhook"
)

// Version is reported in telemetry. It is set at build time with -ldflags.
var Version = "dev"

// App owns every subsystem lifetime.
type App struct {
	cfg        *config.Config
	configPath string
	level      *slog.LevelVar

	telemetry *observe.Telemetry
	metrics   *observe.Metrics
	store     settings.Store
	audit     auditlog.Log
	adapters  []provider.Adapter
	exec      provider.Executor
	router    *router.Router
	api       *api.Server
	health    *health.Handler

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	// closers run in reverse order during Shutdown.
	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithSettingsStore injects the settings store instead of the keyring-backed
// file store.
func WithSettingsStore(s settings.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAuditLog injects the outcome log instead of opening one from config.
func WithAuditLog(l auditlog.Log) Option {
	return func(a *App) { a.audit = l }
}

// WithAdapters injects the vendor adapters instead of building them from the
// registry.
func WithAdapters(adapters ...provider.Adapter) Option {
	return func(a *App) { a.adapters = adapters }
}

// WithExecutor injects the outbound HTTP executor.
func WithExecutor(e provider.Executor) Option {
	return func(a *App) { a.exec = e }
}

// WithLevelVar lets config reloads change the log level through v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath makes Run watch path and apply hot-reloadable changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. On error, everything acquired so far is
// released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg, ready: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	a.telemetry, err = observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)
	if a.metrics, err = observe.NewMetrics(a.telemetry.MeterProvider); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	// ── 2. Settings store ────────────────────────────────────────────────
	if a.store == nil {
		a.store = settings.NewSecretStore(
			settings.NewFileStore(cfg.Settings.Path),
			settings.WithKeyring(cfg.Settings.KeyringEnabled()),
		)
	}

	// ── 3. Audit log ─────────────────────────────────────────────────────
	checkers := []health.Checker{health.SettingsChecker(a.store), health.CredentialsChecker(a.store)}
	if a.audit == nil {
		a.audit = a.openAudit(ctx)
	}
	if p, ok := a.audit.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("audit", p))
	}

	// ── 4. Transport and adapters ────────────────────────────────────────
	if a.exec == nil {
		a.exec = transport.New(transport.WithMetrics(a.metrics))
	}
	if a.adapters == nil {
		if a.adapters, err = config.DefaultRegistry().BuildAdapters(cfg.Providers); err != nil {
			return nil, fmt.Errorf("app: build adapters: %w", err)
		}
	}
	for _, ad := range a.adapters {
		slog.Debug("adapter ready", "provider", ad.ID())
	}

	// ── 5. Router ────────────────────────────────────────────────────────
	hook := webhook.New(a.exec,
		webhook.WithTimeout(cfg.Router.Timeout),
		webhook.WithSource(cfg.Providers.Webhook.Source),
	)
	a.router = router.New(a.store, catalog.Default(), a.adapters, a.exec,
		router.WithTuning(TuningFrom(cfg.Router)),
		router.WithBreakers(BreakerConfigFrom(cfg.Router.Breaker)),
		router.WithWebhook(hook),
		router.WithConnectionTestTimeout(cfg.Router.ConnectionTestTimeout),
		router.WithAuditLog(a.audit),
		router.WithMetrics(a.metrics),
	)

	// ── 6. Inbound surfaces ──────────────────────────────────────────────
	a.api = api.New(a.router,
		api.WithAuditLog(a.audit),
		api.WithMetrics(a.metrics),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		api.WithOutcomeLimit(cfg.Audit.RecentLimit),
	)
	a.health = health.New(checkers...)

	return a, nil
}

// openAudit connects the Postgres outcome log when a DSN is configured.
// Audit logging is best effort: a database that cannot be reached is logged
// and replaced by an in-memory log.
func (a *App) openAudit(ctx context.Context) auditlog.Log {
	dsn := a.cfg.Audit.PostgresDSN
	if dsn == "" {
		return auditlog.NewMemoryLog(0)
	}
	pg, err := auditlog.Open(ctx, dsn, a.cfg.Audit.MaxConns)
	if err != nil {
		slog.Warn("audit log unavailable, keeping outcomes in memory", "err", err)
		return auditlog.NewMemoryLog(0)
	}
	a.closers = append(a.closers, func(context.Context) error {
		pg.Close()
		return nil
	})
	slog.Info("audit log connected")
	return pg
}

// Router returns the message router. The CLI calls it directly.
func (a *App) Router() *router.Router { return a.router }

// Settings returns the user settings store.
func (a *App) Settings() settings.Store { return a.store }

// Handler returns the complete HTTP surface: API routes with CORS, health
// probes, and /metrics, wrapped in the tracing middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.api.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.telemetry.MetricsHandler)
	return observe.Middleware(a.metrics)(a.api.CORS(mux))
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on server.listen_addr and serves until ctx is cancelled, then
// drains in-flight requests for up to server.shutdown_timeout. It returns
// ctx's error after a clean stop.
func (a *App) Run(ctx context.Context) error {
	s := a.cfg.Server
	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", s.ListenAddr, err)
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			ln.Close()
			return fmt.Errorf("app: %w", err)
		}
		defer w.Stop()
	}

	srv := &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	close(a.ready)

	slog.Info("chatrelay listening", "addr", ln.Addr().String(), "tls", s.TLS != nil, "adapters", len(a.adapters))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if s.TLS != nil {
			err = srv.ServeTLS(ln, s.TLS.CertFile, s.TLS.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Ready is closed once Run is listening.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the listening address, or "" before Run has started.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// applyConfig is the watcher callback. Router tuning, breaker settings, log
// level, and allowed origins apply immediately; everything else is logged as
// needing a restart.
func (a *App) applyConfig(old, new *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RouterChanged {
		a.router.SetTuning(TuningFrom(new.Router))
		if old.Router.Breaker != new.Router.Breaker {
			a.router.SetBreakers(BreakerConfigFrom(new.Router.Breaker))
		}
	}
	if d.OriginsChanged {
		a.api.SetAllowedOrigins(new.Server.AllowedOrigins)
		slog.Info("allowed origins changed", "count", len(new.Server.AllowedOrigins))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases everything New acquired, newest first. It is safe to
// call more than once. Call it after Run has returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, err)
				return
			}
			if err := a.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// ─── Config conversion ───────────────────────────────────────────────────────

// TuningFrom converts the router section of the config.
func TuningFrom(rc config.RouterConfig) router.Tuning {
	t := router.Tuning{
		Timeout:      rc.Timeout,
		RetryBackoff: rc.RetryBackoff,
		MaxTokens:    rc.MaxTokens,
		Temperature:  router.DefaultTemperature,
		SystemPrompt: rc.SystemPrompt,
	}
	if rc.Temperature != nil {
		t.Temperature = *rc.Temperature
	}
	return t
}

// BreakerConfigFrom converts the router.breaker section of the config.
func BreakerConfigFrom(bc config.BreakerConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		HalfOpenMax:  bc.HalfOpenMax,
	}
}
