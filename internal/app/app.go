// Package app wires all clinscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mgrote/clinscribe/internal/config"
	"github.com/mgrote/clinscribe/internal/diagnose"
	"github.com/mgrote/clinscribe/internal/extract"
	"github.com/mgrote/clinscribe/internal/health"
	"github.com/mgrote/clinscribe/internal/observe"
	"github.com/mgrote/clinscribe/internal/record"
	"github.com/mgrote/clinscribe/internal/relay"
	"github.com/mgrote/clinscribe/internal/resilience"
	"github.com/mgrote/clinscribe/internal/server"
	"github.com/mgrote/clinscribe/pkg/provider/genai"
	"github.com/mgrote/clinscribe/pkg/provider/stt"
)

// defaultListenAddr is used when server.listen_addr is not configured.
const defaultListenAddr = ":8080"

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry. The three primary slots are required;
// fallbacks are optional.
type Providers struct {
	Transcribe stt.Provider
	Vision     genai.Provider
	Text       genai.Provider

	// TranscribeFallbacks are tried in order when the primary transcribe
	// provider cannot open a stream.
	TranscribeFallbacks []NamedSTT
}

// NamedSTT pairs a transcription provider with its configured name, used to
// label its circuit breaker.
type NamedSTT struct {
	Name     string
	Provider stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store      record.Store
	engine     *extract.Engine
	transcribe stt.Provider
	service    *diagnose.Service
	srv        *server.Server
	metrics    *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a record store instead of creating one from config.
func WithStore(s record.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Transcribe == nil {
		return nil, fmt.Errorf("app: transcribe provider is required")
	}
	if providers.Vision == nil {
		return nil, fmt.Errorf("app: vision provider is required")
	}
	if providers.Text == nil {
		return nil, fmt.Errorf("app: text provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.initEngine()
	a.initTranscribe()
	if err := a.initService(); err != nil {
		return nil, fmt.Errorf("app: init diagnose service: %w", err)
	}
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// initStore connects the configured record store: PostgreSQL when a DSN is
// present, in-memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Record.PostgresDSN
	if dsn == "" {
		slog.Info("no postgres_dsn configured, records are kept in memory")
		a.store = record.NewMemStore()
		return nil
	}

	pg, err := record.NewPGStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	slog.Info("connected to postgres record store")
	return nil
}

// initEngine builds the extraction engine, with the phonetic matcher when
// enabled in config.
func (a *App) initEngine() {
	var opts []extract.Option
	if a.cfg.Extraction.PhoneticAssist {
		var matcherOpts []extract.MatcherOption
		if t := a.cfg.Extraction.PhoneticThreshold; t > 0 {
			matcherOpts = append(matcherOpts, extract.WithThreshold(t))
		}
		opts = append(opts, extract.WithPhoneticAssist(extract.NewMatcher(matcherOpts...)))
		slog.Info("phonetic symptom matching enabled",
			"threshold", a.cfg.Extraction.PhoneticThreshold)
	}
	a.engine = extract.New(opts...)
}

// initTranscribe puts the transcribe provider behind a circuit breaker and
// registers the configured fallback backends. The relay dials whichever
// backend the failover group considers healthy.
func (a *App) initTranscribe() {
	fb := resilience.NewSTTFallback(a.providers.Transcribe,
		a.cfg.Providers.Transcribe.Name, resilience.ChainConfig{})
	for _, entry := range a.providers.TranscribeFallbacks {
		fb.AddFallback(entry.Name, entry.Provider)
		slog.Info("transcribe fallback registered", "name", entry.Name)
	}
	a.transcribe = fb
}

// initService builds the diagnose service. Both model providers run behind
// a circuit breaker; fallbacks can be registered on the returned groups.
func (a *App) initService() error {
	vision := resilience.NewGenAIFallback(a.providers.Vision,
		a.cfg.Providers.Vision.Name, resilience.ChainConfig{})
	text := resilience.NewGenAIFallback(a.providers.Text,
		a.cfg.Providers.Text.Name, resilience.ChainConfig{})

	svc, err := diagnose.New(vision, text, a.store, a.engine,
		diagnose.WithVisionTimeout(a.cfg.Providers.Vision.RequestTimeout),
		diagnose.WithTextTimeout(a.cfg.Providers.Text.RequestTimeout),
		diagnose.WithProviderNames(a.cfg.Providers.Vision.Name, a.cfg.Providers.Text.Name),
		diagnose.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.service = svc
	return nil
}

// initServer builds the HTTP server with the relay session factory and
// health checks.
func (a *App) initServer() error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}

	h := health.New(
		health.StoreCheck(a.store),
		health.ProviderCheck("transcribe", func() bool { return a.providers.Transcribe != nil }),
		health.ProviderCheck("vision", func() bool { return a.providers.Vision != nil }),
		health.ProviderCheck("text", func() bool { return a.providers.Text != nil }),
	)

	opts := []server.Option{
		server.WithHealth(h),
		server.WithMetrics(a.metrics),
		server.WithBrowserToken(a.cfg.Providers.Transcribe.APIKey),
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		opts = append(opts, server.WithTLS(tls.CertFile, tls.KeyFile))
	}

	srv, err := server.New(addr, a.service, a.sessionFactory(), opts...)
	if err != nil {
		return err
	}
	a.srv = srv
	return nil
}

// sessionFactory creates one relay session per websocket client, configured
// from the relay section.
func (a *App) sessionFactory() server.SessionFactory {
	var opts []relay.Option
	if a.cfg.Relay.KeepAliveInterval > 0 {
		opts = append(opts, relay.WithKeepAliveInterval(a.cfg.Relay.KeepAliveInterval))
	}
	if a.cfg.Relay.Language != "" {
		opts = append(opts, relay.WithStreamConfig(stt.StreamConfig{
			Language: a.cfg.Relay.Language,
		}))
	}
	opts = append(opts, relay.WithHooks(relay.Hooks{
		OnReconnect: func() { a.metrics.RelayReconnects.Add(context.Background(), 1) },
	}))

	return func() *relay.Session {
		return relay.NewSession(a.transcribe, opts...)
	}
}

// Run serves until ctx is cancelled. The HTTP server shuts down gracefully
// before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.srv.Run(ctx)
	})

	slog.Info("app running")
	return g.Wait()
}

// ApplyConfig applies a hot-reloadable config change. Only the log level is
// applied live; provider and extraction changes are reported and require a
// restart.
func (a *App) ApplyConfig(diff config.ConfigDiff, level *slog.LevelVar) {
	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.ExtractionChanged {
		slog.Warn("extraction settings changed, restart required to apply")
	}
	for _, name := range diff.ProvidersChanged {
		slog.Warn("provider configuration changed, restart required to apply",
			"provider", name)
	}
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// slogLevel converts a config.LogLevel to its slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
