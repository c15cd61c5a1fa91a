// Package deepgram provides a Deepgram-backed STT provider using the
// Deepgram streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/mgrote/clinscribe/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-2"
	defaultLanguage  = "en"
)

var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "nova-2-medical").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Handle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	return newHandle(ctx, conn), nil
}

// newHandle wraps an established connection and starts the IO loops. The
// loops run under a handle-scoped context so Close can unblock them even
// when the peer has gone silent.
func newHandle(ctx context.Context, conn *websocket.Conn) *handle {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		conn:    conn,
		cancel:  cancel,
		results: make(chan []byte, 64),
		frames:  make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	h.ready.Store(true)

	h.wg.Add(2)
	go h.readLoop(loopCtx)
	go h.writeLoop(loopCtx)

	return h
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if cfg.Encoding != "" {
		q.Set("encoding", cfg.Encoding)
		if cfg.SampleRate > 0 {
			q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- handle ----

// handle is a live Deepgram streaming session. It implements stt.Handle.
type handle struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	results chan []byte
	frames  chan []byte

	ready  atomic.Bool
	done   chan struct{}
	once   sync.Once
	finish sync.Once
	wg     sync.WaitGroup
}

// Send queues one audio frame for delivery to Deepgram.
func (h *handle) Send(frame []byte) error {
	if !h.ready.Load() {
		return errors.New("deepgram: session is not ready")
	}
	select {
	case h.frames <- frame:
		return nil
	case <-h.done:
		return errors.New("deepgram: session is closed")
	}
}

// Results returns the channel of raw Deepgram result payloads.
func (h *handle) Results() <-chan []byte { return h.results }

// KeepAlive sends the Deepgram keepalive message.
func (h *handle) KeepAlive() error {
	if !h.ready.Load() {
		return errors.New("deepgram: session is not ready")
	}
	if err := h.conn.Write(context.Background(), websocket.MessageText, keepAliveMsg); err != nil {
		h.ready.Store(false)
		return fmt.Errorf("deepgram: keepalive: %w", err)
	}
	return nil
}

// Finish asks Deepgram to flush pending audio and end the stream. Remaining
// results still arrive on Results before the channel closes.
func (h *handle) Finish() error {
	var err error
	h.finish.Do(func() {
		h.ready.Store(false)
		err = h.conn.Write(context.Background(), websocket.MessageText, closeStreamMsg)
	})
	if err != nil {
		return fmt.Errorf("deepgram: finish: %w", err)
	}
	return nil
}

// Ready reports whether the session can currently accept audio.
func (h *handle) Ready() bool { return h.ready.Load() }

// Close terminates the session. Reads still in flight are cancelled, so
// Close returns even when the peer has stopped responding; call Finish
// first to flush remaining results.
func (h *handle) Close() error {
	h.once.Do(func() {
		h.ready.Store(false)
		h.finish.Do(func() {
			_ = h.conn.Write(context.Background(), websocket.MessageText, closeStreamMsg)
		})
		close(h.done)
		h.cancel()
		h.wg.Wait()
		h.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the frames channel and sends binary messages to Deepgram.
func (h *handle) writeLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case frame := <-h.frames:
			if err := h.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				h.ready.Store(false)
				return
			}
		case <-h.done:
			// Drain queued frames before exiting.
			for {
				select {
				case frame := <-h.frames:
					_ = h.conn.Write(ctx, websocket.MessageBinary, frame)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives messages from Deepgram and forwards them verbatim.
func (h *handle) readLoop(ctx context.Context) {
	defer h.wg.Done()
	defer close(h.results)

	for {
		_, msg, err := h.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			h.ready.Store(false)
			return
		}

		select {
		case h.results <- msg:
		case <-h.done:
			return
		}
	}
}

var _ stt.Handle = (*handle)(nil)
var _ stt.Provider = (*Provider)(nil)
