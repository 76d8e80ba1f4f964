// Package health serves the liveness and readiness probes.
//
// GET /healthz answers as long as the process serves HTTP. GET /readyz runs
// every registered [Probe] concurrently: a failing required probe turns the
// report to "fail" with status 503, a failing optional probe only to
// "degraded".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status summarises a report or a single check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFail     Status = "fail"
)

// Probe checks one dependency. Check must honour ctx.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional probes may fail without taking the service out of rotation.
	Optional bool
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the body of both endpoints.
type Report struct {
	Status  Status                 `json:"status"`
	Version string                 `json:"version,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// Handler evaluates a fixed set of probes.
type Handler struct {
	probes  []Probe
	version string
	timeout time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithVersion adds the build version to every report.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// WithTimeout bounds each probe. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New returns a handler for probes.
func New(probes []Probe, opts ...Option) *Handler {
	h := &Handler{
		probes:  append([]Probe(nil), probes...),
		timeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Evaluate runs all probes and folds their results into a report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.probes))

	var g errgroup.Group
	for i, p := range h.probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := p.Check(pctx)
			res := CheckResult{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Version: h.version}
	if len(h.probes) > 0 {
		rep.Checks = make(map[string]CheckResult, len(h.probes))
	}
	for i, p := range h.probes {
		res := results[i]
		rep.Checks[p.Name] = res
		switch {
		case res.Status == StatusOK:
		case !p.Optional:
			rep.Status = StatusFail
		case rep.Status == StatusOK:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, Report{Status: StatusOK, Version: h.version})
}

// Readyz reports readiness.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	writeReport(w, h.Evaluate(r.Context()))
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeReport(w http.ResponseWriter, rep Report) {
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
