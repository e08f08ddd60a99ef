// Package health serves the liveness and readiness endpoints.
//
//   - /healthz always returns 200 while the process can serve HTTP.
//   - /readyz runs every registered [Checker] and returns 200 unless a
//     required check fails.
//
// Responses carry a top-level "status" of "ok", "degraded" or "fail" and a
// "checks" map with one entry per checker. A failing optional check makes the
// status "degraded" without failing readiness.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/settings"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness check.
type Checker struct {
	// Name is the key in the "checks" map, e.g. "settings".
	Name string

	// Check returns nil when the dependency is healthy. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Optional checks degrade readiness instead of failing it.
	Optional bool
}

// Report is the readyz response body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates checkers concurrently on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.Evaluate(r.Context())
	status := http.StatusOK
	if res.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Evaluate runs every checker, each under its own [checkTimeout], and
// reports the combined status alongside per-check results.
func (h *Handler) Evaluate(ctx context.Context) Report {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	res := Report{Status: StatusOK, Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		if errs[i] == nil {
			res.Checks[c.Name] = "ok"
			continue
		}
		res.Checks[c.Name] = "fail: " + errs[i].Error()
		switch {
		case !c.Optional:
			res.Status = StatusFail
		case res.Status == StatusOK:
			res.Status = StatusDegraded
		}
	}
	return res
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// ── checkers ────────────────────────────────────────────────────────────────

// errNoCredentials is reported by [CredentialsChecker] before the user has
// configured anything.
var errNoCredentials = errors.New("no API key or webhook URL configured")

// SettingsChecker fails when the settings store cannot be read.
func SettingsChecker(store settings.Store) Checker {
	return Checker{Name: "settings", Check: func(ctx context.Context) error {
		_, err := store.Load(ctx)
		return err
	}}
}

// CredentialsChecker degrades readiness until at least one provider key or
// a webhook URL is configured.
func CredentialsChecker(store settings.Store) Checker {
	return Checker{Name: "credentials", Optional: true, Check: func(ctx context.Context) error {
		s, err := store.Load(ctx)
		if err != nil {
			return err
		}
		if !s.HasAnyCredential() {
			return errNoCredentials
		}
		return nil
	}}
}

// Pinger is implemented by backends that can report reachability, such as
// the Postgres audit log.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps p under name. Audit logging is best effort, so the
// resulting check is optional.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Optional: true, Check: p.Ping}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
