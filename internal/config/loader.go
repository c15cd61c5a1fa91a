package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transcribe": {"deepgram"},
	"vision":     {"huggingface", "openai"},
	"text":       {"huggingface", "openai", "anthropic", "mistral", "ollama", "gemini", "deepseek", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment variable references of the form ${VAR} are expanded before
// decoding, so secrets like API keys can live in the environment (or a .env
// file) instead of the config file itself.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("transcribe", cfg.Providers.Transcribe.Name)
	validateProviderName("vision", cfg.Providers.Vision.Name)
	validateProviderName("text", cfg.Providers.Text.Name)

	// Provider availability warnings
	if cfg.Providers.Transcribe.Name == "" {
		slog.Warn("no transcribe provider configured; live dictation will not be available")
	}
	if cfg.Providers.Vision.Name == "" {
		slog.Warn("no vision provider configured; scan analysis will not be available")
	}
	if cfg.Providers.Text.Name == "" {
		slog.Warn("no text provider configured; parsing, symptom detection, and write-ups will not be available")
	}

	// Provider field validation
	for _, pc := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"transcribe", cfg.Providers.Transcribe},
		{"vision", cfg.Providers.Vision},
		{"text", cfg.Providers.Text},
	} {
		if pc.entry.Name != "" && pc.entry.APIKey == "" && pc.entry.Name != "ollama" && pc.entry.Name != "llamacpp" && pc.entry.Name != "llamafile" {
			slog.Warn("provider has no api_key configured; requests will likely be rejected",
				"kind", pc.kind,
				"name", pc.entry.Name,
			)
		}
		if pc.entry.RequestTimeout < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.request_timeout must not be negative", pc.kind))
		}
	}

	for i, entry := range cfg.Providers.TranscribeFallbacks {
		validateProviderName("transcribe", entry.Name)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.transcribe_fallbacks[%d] needs a name", i))
		}
		if entry.RequestTimeout < 0 {
			errs = append(errs, fmt.Errorf("providers.transcribe_fallbacks[%d].request_timeout must not be negative", i))
		}
	}

	// Record store
	if cfg.Record.PostgresDSN == "" {
		slog.Warn("record.postgres_dsn is empty; patient records will be kept in memory and lost on restart")
	}

	// Relay
	if cfg.Relay.KeepAliveInterval < 0 {
		errs = append(errs, errors.New("relay.keepalive_interval must not be negative"))
	}

	// Extraction
	if cfg.Extraction.PhoneticThreshold < 0 || cfg.Extraction.PhoneticThreshold > 1 {
		errs = append(errs, fmt.Errorf("extraction.phonetic_threshold %.2f is out of range [0, 1]", cfg.Extraction.PhoneticThreshold))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
