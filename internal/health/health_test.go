package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/eburon/internal/health"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func get(t *testing.T, h *health.Handler, path string) (int, health.Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep health.Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz_IgnoresProbes(t *testing.T) {
	t.Parallel()
	called := false
	h := health.New([]health.Probe{{Name: "listings", Check: func(context.Context) error {
		called = true
		return errors.New("down")
	}}}, health.WithVersion("1.2.3"))

	code, rep := get(t, h, "/healthz")
	if code != http.StatusOK || rep.Status != health.StatusOK || rep.Version != "1.2.3" {
		t.Errorf("GET /healthz = %d %+v", code, rep)
	}
	if called {
		t.Error("liveness ran a readiness probe")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		probes     []health.Probe
		wantCode   int
		wantStatus health.Status
	}{
		{
			name:       "no probes",
			wantCode:   http.StatusOK,
			wantStatus: health.StatusOK,
		},
		{
			name: "all pass",
			probes: []health.Probe{
				{Name: "listings", Check: pass},
				{Name: "provider", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: health.StatusOK,
		},
		{
			name: "optional fails",
			probes: []health.Probe{
				{Name: "listings", Check: pass},
				{Name: "recordings", Check: failWith("bucket gone"), Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: health.StatusDegraded,
		},
		{
			name: "required fails",
			probes: []health.Probe{
				{Name: "provider", Check: failWith("no s2s provider configured")},
				{Name: "recordings", Check: failWith("bucket gone"), Optional: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: health.StatusFail,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, rep := get(t, health.New(tt.probes), "/readyz")
			if code != tt.wantCode || rep.Status != tt.wantStatus {
				t.Errorf("GET /readyz = %d %q, want %d %q", code, rep.Status, tt.wantCode, tt.wantStatus)
			}
			if len(rep.Checks) != len(tt.probes) {
				t.Errorf("checks = %v", rep.Checks)
			}
		})
	}
}

func TestEvaluate_ReportsErrors(t *testing.T) {
	t.Parallel()
	h := health.New([]health.Probe{
		{Name: "listings", Check: failWith("connection refused")},
		{Name: "provider", Check: pass},
	})
	rep := h.Evaluate(context.Background())

	if got := rep.Checks["listings"]; got.Status != health.StatusFail || got.Error != "connection refused" {
		t.Errorf("listings = %+v", got)
	}
	if got := rep.Checks["provider"]; got.Status != health.StatusOK || got.Error != "" {
		t.Errorf("provider = %+v", got)
	}
}

func TestEvaluate_ProbeTimeout(t *testing.T) {
	t.Parallel()
	h := health.New([]health.Probe{{Name: "listings", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}, health.WithTimeout(20*time.Millisecond))

	start := time.Now()
	rep := h.Evaluate(context.Background())
	if time.Since(start) > 2*time.Second {
		t.Fatal("probe timeout not applied")
	}
	if rep.Status != health.StatusFail {
		t.Errorf("status = %q, want fail", rep.Status)
	}
}

func TestEvaluate_RunsConcurrently(t *testing.T) {
	t.Parallel()
	var inFlight atomic.Int32
	gate := make(chan struct{})
	probe := func(ctx context.Context) error {
		if inFlight.Add(1) == 3 {
			close(gate)
		}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := health.New([]health.Probe{
		{Name: "a", Check: probe},
		{Name: "b", Check: probe},
		{Name: "c", Check: probe},
	}, health.WithTimeout(2*time.Second))

	if rep := h.Evaluate(context.Background()); rep.Status != health.StatusOK {
		t.Errorf("probes did not overlap: %+v", rep.Checks)
	}
}
