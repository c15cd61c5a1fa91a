// Package server exposes the HTTP and websocket surface: the REST API for
// symptom detection, diagnosis, write-up, and record management, the /ws
// transcription relay endpoint, and the health and metrics endpoints.
//
// Handlers translate the diagnose service's boundary errors into status
// codes: missing input is 400, a remote provider failure is 502, everything
// else is 500. Response bodies are JSON throughout.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mgrote/clinscribe/internal/diagnose"
	"github.com/mgrote/clinscribe/internal/health"
	"github.com/mgrote/clinscribe/internal/observe"
	"github.com/mgrote/clinscribe/internal/record"
	"github.com/mgrote/clinscribe/internal/relay"
)

// maxBodyBytes caps request bodies. Diagnose requests carry a base64 scan
// image, so the limit is generous.
const maxBodyBytes = 32 << 20

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// SessionFactory creates a relay session for one websocket client. Injected
// so tests can substitute a mock transcription provider.
type SessionFactory func() *relay.Session

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics replaces the metrics instance. Mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth registers health endpoints backed by the given handler.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithBrowserToken sets the token returned by GET /api/token for direct
// browser use of the transcription API. Empty disables the endpoint (404).
func WithBrowserToken(token string) Option {
	return func(s *Server) { s.browserToken = token }
}

// WithTLS serves HTTPS with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// Server is the HTTP front end. Construct with [New], run with [Run].
type Server struct {
	svc      *diagnose.Service
	sessions SessionFactory

	health       *health.Handler
	metrics      *observe.Metrics
	log          *slog.Logger
	browserToken string
	certFile     string
	keyFile      string

	httpSrv *http.Server
}

// New creates a [Server] serving on addr. svc drives the REST API; sessions
// creates one relay session per websocket client.
func New(addr string, svc *diagnose.Service, sessions SessionFactory, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("server: diagnose service must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("server: session factory must not be nil")
	}

	s := &Server{
		svc:      svc,
		sessions: sessions,
		metrics:  observe.DefaultMetrics(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(s.metrics)(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// routes builds the request mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/detect-symptoms", s.handleDetectSymptoms)
	mux.HandleFunc("POST /api/diagnose", s.handleDiagnose)
	mux.HandleFunc("POST /api/writeup", s.handleWriteUp)
	mux.HandleFunc("GET /api/token", s.handleToken)
	mux.HandleFunc("GET /api/record", s.handleGetRecord)
	mux.HandleFunc("POST /api/record/reset", s.handleResetRecord)
	mux.HandleFunc("DELETE /api/record", s.handleDeleteRecord)
	mux.HandleFunc("GET /ws", s.handleWebsocket)

	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.httpSrv.Addr, "tls", s.certFile != "")
		var err error
		if s.certFile != "" {
			err = s.httpSrv.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// detectRequest is the body of POST /api/detect-symptoms.
type detectRequest struct {
	Transcript string `json:"transcript"`
}

// detectResponse mirrors the extraction result.
type detectResponse struct {
	Symptoms []string      `json:"symptoms"`
	Vitals   record.Vitals `json:"vitals"`
}

func (s *Server) handleDetectSymptoms(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	det, err := s.svc.DetectSymptoms(r.Context(), req.Transcript)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if det.Degraded {
		observe.Logger(r.Context()).Warn("symptom detection degraded to vocabulary scan")
	}

	symptoms := det.Result.Symptoms
	if symptoms == nil {
		symptoms = []string{}
	}
	writeJSON(w, http.StatusOK, detectResponse{
		Symptoms: symptoms,
		Vitals:   det.Result.Vitals,
	})
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var req diagnose.Request
	if !s.decodeBody(w, r, &req) {
		return
	}

	result, err := s.svc.Diagnose(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWriteUp(w http.ResponseWriter, r *http.Request) {
	var req diagnose.WriteUpInput
	if !s.decodeBody(w, r, &req) {
		return
	}

	writeUp, err := s.svc.WriteUp(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"writeUp": writeUp})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.browserToken == "" {
		writeJSON(w, http.StatusNotFound, errorBody("no transcription token configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.browserToken})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	current, err := s.svc.Current(r.Context())
	if err != nil {
		if errors.Is(err, record.ErrNoRecord) {
			writeJSON(w, http.StatusNotFound, errorBody("no current record"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleResetRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reset(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Clear(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebsocket upgrades the connection and bridges it to a relay session:
// binary client frames are forwarded upstream, upstream transcription
// payloads come back as text frames.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sess := s.sessions()
	if err := sess.Start(r.Context()); err != nil {
		s.log.Error("relay session start failed", "error", err)
		conn.Close(websocket.StatusInternalError, "transcription unavailable")
		return
	}
	defer sess.Close()

	s.metrics.ActiveSessions.Add(r.Context(), 1)
	defer s.metrics.ActiveSessions.Add(r.Context(), -1)
	log := s.log.With("session_id", sess.ID())
	log.Info("relay session started")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Results pump: upstream payloads back to the client.
	go func() {
		defer cancel()
		for payload := range sess.Results() {
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
			s.metrics.RelayResults.Add(ctx, 1)
		}
	}()

	// Read loop: client audio frames into the session.
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.Info("client disconnected")
			} else if ctx.Err() == nil {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		if err := sess.Forward(frame); err != nil {
			log.Warn("frame forward failed", "error", err)
			return
		}
		s.metrics.RelayFrames.Add(ctx, 1)
	}
}

// decodeBody parses the JSON request body into dst, answering 400 on any
// decode failure. Returns false when the response has already been written.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return false
	}
	return true
}

// writeError maps service errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, diagnose.ErrMissingImage),
		errors.Is(err, diagnose.ErrMissingTranscript),
		errors.Is(err, diagnose.ErrNoDiagnoses):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, diagnose.ErrProvider):
		observe.Logger(r.Context()).Error("provider failure", "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody("model provider unavailable"))
	default:
		observe.Logger(r.Context()).Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// errorBody is the uniform error response shape.
func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
