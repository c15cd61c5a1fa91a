package app

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mgrote/clinscribe/internal/config"
	"github.com/mgrote/clinscribe/internal/record"
	"github.com/mgrote/clinscribe/internal/resilience"
	genaimock "github.com/mgrote/clinscribe/pkg/provider/genai/mock"
	"github.com/mgrote/clinscribe/pkg/provider/stt"
	sttmock "github.com/mgrote/clinscribe/pkg/provider/stt/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{
			Transcribe: config.ProviderEntry{Name: "deepgram", APIKey: "key"},
			Vision:     config.ProviderEntry{Name: "huggingface", Model: "test-vision"},
			Text:       config.ProviderEntry{Name: "huggingface", Model: "test-text"},
		},
	}
}

func testProviders() *Providers {
	return &Providers{
		Transcribe: &sttmock.Provider{},
		Vision:     &genaimock.Provider{},
		Text:       &genaimock.Provider{},
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	cases := []struct {
		name      string
		providers *Providers
	}{
		{"nil struct", nil},
		{"missing transcribe", &Providers{Vision: &genaimock.Provider{}, Text: &genaimock.Provider{}}},
		{"missing vision", &Providers{Transcribe: &sttmock.Provider{}, Text: &genaimock.Provider{}}},
		{"missing text", &Providers{Transcribe: &sttmock.Provider{}, Vision: &genaimock.Provider{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(ctx, cfg, tc.providers); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestNew_WiresSubsystems(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.store == nil {
		t.Error("store not initialised")
	}
	if a.engine == nil {
		t.Error("extraction engine not initialised")
	}
	if a.service == nil {
		t.Error("diagnose service not initialised")
	}
	if a.srv == nil {
		t.Error("server not initialised")
	}
}

func TestNew_DefaultsToMemStore(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := a.store.(*record.MemStore); !ok {
		t.Errorf("store = %T, want *record.MemStore", a.store)
	}
	if len(a.closers) != 0 {
		t.Errorf("closers = %d, want 0 for in-memory store", len(a.closers))
	}
}

func TestNew_StoreInjection(t *testing.T) {
	store := record.NewMemStore()
	a, err := New(context.Background(), testConfig(), testProviders(), WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.store != store {
		t.Error("injected store was not used")
	}
}

func TestNew_TranscribeBehindFallback(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := a.transcribe.(*resilience.STTFallback); !ok {
		t.Errorf("transcribe = %T, want *resilience.STTFallback", a.transcribe)
	}
}

func TestSessionFactory_FailsOverToSecondaryTranscribe(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("dial refused")}
	secondary := &sttmock.Provider{Handles: []stt.Handle{sttmock.NewHandle()}}

	providers := testProviders()
	providers.Transcribe = primary
	providers.TranscribeFallbacks = []NamedSTT{{Name: "backup", Provider: secondary}}

	a, err := New(context.Background(), testConfig(), providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess := a.sessionFactory()()
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	if got := primary.StartStreamCallCount(); got != 1 {
		t.Errorf("primary StartStream calls = %d, want 1", got)
	}
	if got := secondary.StartStreamCallCount(); got != 1 {
		t.Errorf("secondary StartStream calls = %d, want 1", got)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}

func TestShutdown_RunsClosersOnce(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	calls := 0
	a.closers = append(a.closers, func() error {
		calls++
		return nil
	})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if calls != 1 {
		t.Errorf("closer ran %d times, want 1", calls)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ran := false
	a.closers = append(a.closers, func() error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown = %v, want context.Canceled", err)
	}
	if ran {
		t.Error("closer ran despite expired context")
	}
}

func TestApplyConfig_LogLevel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var level slog.LevelVar
	a.ApplyConfig(config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogDebug,
	}, &level)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want %v", got, slog.LevelDebug)
	}
}

func TestSlogLevel(t *testing.T) {
	cases := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := slogLevel(tc.in); got != tc.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
