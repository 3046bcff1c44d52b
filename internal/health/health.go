// Package health provides the liveness and readiness endpoints of the
// agentline diagnostics listener.
//
// /healthz reports process liveness and uptime. /readyz probes the external
// collaborators of a call (gateway, directory) concurrently and returns 200
// only when every probe passes, so an operator can tell a dead gateway from
// a dead client.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness probe.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable and an error describing the failure otherwise. It must respect
// context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is the JSON body of a single probe outcome.
type checkResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// response is the JSON body of both endpoints. Checks is present only on
// /readyz responses.
type response struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz endpoints. The probe list is fixed
// at construction; a Handler is safe for concurrent use.
type Handler struct {
	started  time.Time
	checkers []Checker
}

// New creates a Handler evaluating the given probes on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		started:  time.Now(),
		checkers: append([]Checker(nil), checkers...),
	}
}

// Healthz reports liveness: a process that can serve this request is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs every probe concurrently and reports 200 only when all pass.
// Each probe gets its own timeout derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]checkResult, len(h.checkers))
		ready  = true
	)

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			begin := time.Now()
			err := c.Check(probeCtx)
			res := checkResult{
				Status:  "ok",
				Elapsed: time.Since(begin).Round(time.Millisecond).String(),
			}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			checks[c.Name] = res
			if err != nil {
				ready = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // probes report through the map, never abort each other

	res := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds both routes to mux.
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
