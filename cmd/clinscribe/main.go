// Command clinscribe is the main entry point for the clinscribe clinical
// documentation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/mgrote/clinscribe/internal/app"
	"github.com/mgrote/clinscribe/internal/config"
	"github.com/mgrote/clinscribe/internal/observe"
	"github.com/mgrote/clinscribe/pkg/provider/genai"
	"github.com/mgrote/clinscribe/pkg/provider/genai/anyllm"
	"github.com/mgrote/clinscribe/pkg/provider/genai/huggingface"
	oaigenai "github.com/mgrote/clinscribe/pkg/provider/genai/openai"
	"github.com/mgrote/clinscribe/pkg/provider/stt"
	"github.com/mgrote/clinscribe/pkg/provider/stt/deepgram"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// A .env file next to the binary is optional; the config file can reference
	// its variables via ${VAR} expansion.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "clinscribe: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "clinscribe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "clinscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("clinscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, shutdownStop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer shutdownStop()

	otelShutdown, err := observe.Setup(observe.Config{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
		application.ApplyConfig(d, logLevel)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Transcription ─────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Generative models ─────────────────────────────────────────────────────

	reg.RegisterGenAI("huggingface", func(entry config.ProviderEntry) (genai.Provider, error) {
		var opts []huggingface.Option
		if entry.BaseURL != "" {
			opts = append(opts, huggingface.WithBaseURL(entry.BaseURL))
		}
		if entry.RequestTimeout > 0 {
			opts = append(opts, huggingface.WithTimeout(entry.RequestTimeout))
		}
		if optBool(entry.Options, "vision") {
			opts = append(opts, huggingface.WithVision(true))
		}
		return huggingface.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterGenAI("openai", func(entry config.ProviderEntry) (genai.Provider, error) {
		var opts []oaigenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaigenai.WithBaseURL(entry.BaseURL))
		}
		if entry.RequestTimeout > 0 {
			opts = append(opts, oaigenai.WithTimeout(entry.RequestTimeout))
		}
		return oaigenai.New(entry.APIKey, entry.Model, opts...)
	})

	// Text-only backends served through any-llm. They share the same pattern:
	// optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterGenAI(providerName, func(entry config.ProviderEntry) (genai.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterGenAI("ollama", func(entry config.ProviderEntry) (genai.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// All three provider slots are required.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	transcribe, err := reg.CreateSTT(cfg.Providers.Transcribe)
	if err != nil {
		return nil, fmt.Errorf("create transcribe provider %q: %w", cfg.Providers.Transcribe.Name, err)
	}
	ps.Transcribe = transcribe
	slog.Info("provider created", "kind", "transcribe", "name", cfg.Providers.Transcribe.Name)

	for i, entry := range cfg.Providers.TranscribeFallbacks {
		fallback, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create transcribe fallback %d (%q): %w", i, entry.Name, err)
		}
		ps.TranscribeFallbacks = append(ps.TranscribeFallbacks, app.NamedSTT{
			Name:     entry.Name,
			Provider: fallback,
		})
		slog.Info("provider created", "kind", "transcribe_fallback", "name", entry.Name)
	}

	vision, err := reg.CreateGenAI(cfg.Providers.Vision)
	if err != nil {
		return nil, fmt.Errorf("create vision provider %q: %w", cfg.Providers.Vision.Name, err)
	}
	ps.Vision = vision
	slog.Info("provider created", "kind", "vision", "name", cfg.Providers.Vision.Name,
		"model", cfg.Providers.Vision.Model)

	text, err := reg.CreateGenAI(cfg.Providers.Text)
	if err != nil {
		return nil, fmt.Errorf("create text provider %q: %w", cfg.Providers.Text.Name, err)
	}
	ps.Text = text
	slog.Info("provider created", "kind", "text", "name", cfg.Providers.Text.Name,
		"model", cfg.Providers.Text.Model)

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
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

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optBool extracts a bool value from a provider Options map[string]any.
func optBool(opts map[string]any, key string) bool {
	if opts == nil {
		return false
	}
	b, ok := opts[key].(bool)
	return ok && b
}
