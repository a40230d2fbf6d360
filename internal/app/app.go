// Package app wires the parley subsystems into a running server.
//
// New builds the device layer (the headset gateway unless devices are
// injected), the router, the session coordinator, the optional journal and
// the HTTP surface. Run serves until its context ends; Shutdown releases
// everything in order. Reload applies a changed configuration file.
//
// For testing, inject doubles through the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/control"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/journal"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/routing"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/gateway"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	mu  sync.RWMutex
	cfg *config.Config

	level   *slog.LevelVar
	metrics *observe.Metrics
	log     *slog.Logger

	gateway  *gateway.Gateway
	devices  audio.DeviceManager
	hardware audio.Hardware
	linkUp   func() bool

	router  *routing.Router
	vad     *energy.Engine
	coord   *pipeline.Coordinator
	journal pipeline.Journal
	pinger  health.Pinger

	handler http.Handler

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets Reload adjust the level of the process logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithDevices replaces the headset gateway with mgr and hw. connected backs
// the gateway readiness check; nil means always connected.
func WithDevices(mgr audio.DeviceManager, hw audio.Hardware, connected func() bool) Option {
	return func(a *App) {
		a.devices, a.hardware, a.linkUp = mgr, hw, connected
	}
}

// WithJournal injects a journal instead of opening journal.postgres_dsn.
// When j also implements [health.Pinger] it is checked by /readyz.
func WithJournal(j pipeline.Journal) Option {
	return func(a *App) {
		a.journal = j
		if p, ok := j.(health.Pinger); ok {
			a.pinger = p
		}
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and providers.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers == nil {
		providers = &Providers{}
	}

	// ── 1. Device layer ──────────────────────────────────────────────────
	if a.devices == nil {
		a.gateway = gateway.New(
			gateway.WithToken(cfg.Gateway.Token),
			gateway.WithCodec(cfg.Gateway.Codec),
			gateway.WithWriteLead(cfg.Gateway.WriteLead),
			gateway.WithLogger(a.log),
		)
		a.devices, a.hardware, a.linkUp = a.gateway, a.gateway, a.gateway.Connected
		a.closers = append(a.closers, a.gateway.Close)
	}
	if a.linkUp == nil {
		a.linkUp = func() bool { return true }
	}

	// ── 2. Journal ───────────────────────────────────────────────────────
	if a.journal == nil && cfg.Journal.PostgresDSN != "" {
		j, err := journal.Open(ctx, cfg.Journal.PostgresDSN)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: open journal: %w", err)
		}
		a.journal, a.pinger = j, j
		a.closers = append(a.closers, func() error { j.Close(); return nil })
	}

	// ── 3. Routing + session coordinator ─────────────────────────────────
	a.router = routing.New(a.devices, routing.WithLogger(a.log), routing.WithMetrics(a.metrics))
	a.vad = energy.New(energy.WithDefaults(cfg.VAD.EnergyConfig()))

	copts := []pipeline.Option{
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithPlaybackCapacity(cfg.Playback.QueueCapacity),
	}
	if a.journal != nil {
		copts = append(copts, pipeline.WithJournal(a.journal))
	}
	a.coord = pipeline.New(pipeline.Deps{
		Router:     a.router,
		Hardware:   a.hardware,
		STT:        providers.STT,
		Translator: providers.Translate,
		TTS:        providers.TTS,
		VAD:        a.vad,
	}, copts...)
	a.closers = append(a.closers, a.coord.Close)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	checkers := []health.Checker{
		health.GatewayChecker(a.linkUp),
		health.ProvidersChecker(providers.Stages()),
	}
	if a.pinger != nil {
		checkers = append(checkers, health.JournalChecker(a.pinger))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	control.New(a.coord, a.router, a.SessionDefaults,
		control.WithProviderStatus(providers.Breakers),
		control.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	if a.gateway != nil {
		mux.Handle("GET "+cfg.Gateway.Path, a.gateway)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Coordinator returns the session coordinator.
func (a *App) Coordinator() *pipeline.Coordinator { return a.coord }

// Router returns the device router.
func (a *App) Router() *routing.Router { return a.router }

// SessionDefaults returns the session configuration of the current config.
func (a *App) SessionDefaults() pipeline.SessionConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.SessionDefaults()
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run consumes device notifications and serves HTTP on server.listen_addr
// until ctx ends. It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	a.mu.RLock()
	srvCfg := a.cfg.Server
	a.mu.RUnlock()

	srv := &http.Server{
		Addr:              srvCfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.router.Run(gctx)
	})
	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr, "tls", srvCfg.TLS != nil)
		var err error
		if srvCfg.TLS != nil {
			err = srv.ListenAndServeTLS(srvCfg.TLS.CertFile, srvCfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops the running session and releases the gateway and journal.
// It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		errCh := make(chan error, 1)
		go func() { errCh <- a.close() }()
		select {
		case a.stopErr = <-errCh:
		case <-ctx.Done():
			a.stopErr = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return a.stopErr
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next and logs every section
// that needs a restart. Session, VAD and playback changes apply to the next
// session; a running one keeps its settings.
func (a *App) Reload(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	d := config.Diff(a.cfg, next)
	a.cfg = next
	a.mu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.SessionChanged {
		a.log.Info("session defaults changed", "fields", d.SessionFields)
	}
	if d.VADChanged {
		a.vad.SetDefaults(next.VAD.EnergyConfig())
		a.log.Info("vad tuning changed")
	}
	if d.PlaybackChanged {
		a.coord.SetPlaybackCapacity(next.Playback.QueueCapacity)
		a.log.Info("playback queue changed", "capacity", next.Playback.QueueCapacity)
	}
	for _, section := range d.RestartRequired {
		a.log.Warn("config change requires a restart", "section", section)
	}
	return d
}
