// Package health gates traffic to the service. The liveness probe answers
// as long as the process serves HTTP; the readiness probe answers 200 only
// once the clinical record store and the configured model providers are
// usable, so a pod with a dead database or missing provider keys never
// receives consultations.
//
// Both probes respond with a JSON body carrying a top-level "status" of
// "ok" or "fail" and, for readiness, a per-check breakdown.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/mgrote/clinscribe/internal/record"
)

// probeTimeout bounds each readiness check. A hung database ping must not
// hold the probe past the kubelet's own timeout.
const probeTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when the dependency is
// usable and must respect ctx cancellation.
type Checker struct {
	// Name keys the check's entry in the readiness response, e.g. "store"
	// or "vision".
	Name string

	Check func(ctx context.Context) error
}

// Pinger is implemented by stores backed by external infrastructure that can
// be probed for connectivity (e.g. [record.PGStore]).
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck returns a [Checker] named "store" for the record store. Stores
// that implement [Pinger] are probed directly; an in-memory store passes as
// long as it answers a Load (an empty slot is healthy).
func StoreCheck(store record.Store) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			if p, ok := store.(Pinger); ok {
				return p.Ping(ctx)
			}
			if _, err := store.Load(ctx); err != nil && !errors.Is(err, record.ErrNoRecord) {
				return err
			}
			return nil
		},
	}
}

// ProviderCheck returns a [Checker] that fails while the named provider role
// is unconfigured. configured should report whether the provider exists; it is
// read on every readiness request.
func ProviderCheck(role string, configured func() bool) Checker {
	return Checker{
		Name: role,
		Check: func(context.Context) error {
			if !configured() {
				return errors.New("provider not configured")
			}
			return nil
		},
	}
}

// probeResponse is the JSON body of both probes.
type probeResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the liveness and readiness probes. The checker list is
// fixed at construction; the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200: a process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResponse{Status: "ok"})
}

// Readyz answers 200 only when every checker passes. Checks run
// concurrently under a shared [probeTimeout] deadline, so one slow
// dependency does not stack delays onto the rest.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	outcomes := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	resp := probeResponse{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	status := http.StatusOK
	for i, c := range h.checkers {
		if err := outcomes[i]; err != nil {
			resp.Checks[c.Name] = "fail: " + err.Error()
			resp.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, resp)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
