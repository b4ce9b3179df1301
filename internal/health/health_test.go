package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/aurora/internal/resilience"
)

func probe(t *testing.T, h http.Handler, path string) (int, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("%s: decode: %v", path, err)
	}
	return rec.Code, rep
}

func mux(checkers ...Checker) *http.ServeMux {
	m := http.NewServeMux()
	New(checkers...).Register(m)
	return m
}

func TestHealthz_IgnoresChecks(t *testing.T) {
	code, rep := probe(t, mux(ErrFunc("session", func() error { return errors.New("not connected") })), "/healthz")
	if code != http.StatusOK || rep.Status != "ok" || rep.Checks != nil {
		t.Errorf("healthz = %d %+v, want 200 ok without checks", code, rep)
	}
}

func TestReadyz(t *testing.T) {
	pass := func(context.Context) error { return nil }
	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		wantErrs map[string]string
	}{
		{name: "no checks", wantCode: http.StatusOK},
		{
			name:     "session and backend healthy",
			checkers: []Checker{{Name: "session", Check: pass}, {Name: "backend", Check: pass}},
			wantCode: http.StatusOK,
			wantErrs: map[string]string{"session": "", "backend": ""},
		},
		{
			name: "degraded dispatcher",
			checkers: []Checker{
				ErrFunc("session", func() error { return errors.New("tool response undelivered") }),
				{Name: "backend", Check: pass},
			},
			wantCode: http.StatusServiceUnavailable,
			wantErrs: map[string]string{"session": "tool response undelivered", "backend": ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, rep := probe(t, mux(tt.checkers...), "/readyz")
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if wantOK := tt.wantCode == http.StatusOK; (rep.Status == "ok") != wantOK {
				t.Errorf("status = %q", rep.Status)
			}
			for name, wantErr := range tt.wantErrs {
				got, found := rep.Checks[name]
				if !found {
					t.Fatalf("check %q missing from %+v", name, rep.Checks)
				}
				if got.Error != wantErr || (got.Status == "ok") != (wantErr == "") {
					t.Errorf("check %q = %+v, want error %q", name, got, wantErr)
				}
			}
		})
	}
}

func TestReadyz_FollowsBreaker(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "backend", MaxFailures: 1, ResetTimeout: time.Hour})
	m := mux(ErrFunc("backend", cb.Err))

	if code, _ := probe(t, m, "/readyz"); code != http.StatusOK {
		t.Fatalf("closed breaker: code = %d", code)
	}
	_ = cb.Execute(func() error { return errors.New("dial refused") })
	code, rep := probe(t, m, "/readyz")
	if code != http.StatusServiceUnavailable || rep.Checks["backend"].Status != "fail" {
		t.Errorf("open breaker: code = %d, backend = %+v", code, rep.Checks["backend"])
	}
}

func TestEvaluate_Concurrent(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	wait := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: wait}, Checker{Name: "b", Check: wait})

	done := make(chan Report, 1)
	go func() { done <- h.Evaluate(context.Background()) }()

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checks did not run concurrently")
		}
	}
	time.Sleep(5 * time.Millisecond)
	close(release)

	rep := <-done
	if rep.Status != "ok" {
		t.Errorf("status = %q, want ok", rep.Status)
	}
	if rep.Checks["a"].LatencyMS < 0 {
		t.Errorf("latency = %d", rep.Checks["a"].LatencyMS)
	}
}

func TestEvaluate_CancelledContext(t *testing.T) {
	h := New(Checker{Name: "backend", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.Evaluate(ctx)
	if rep.Status != "fail" || rep.Checks["backend"].Error != context.Canceled.Error() {
		t.Errorf("report = %+v, want backend failed with context canceled", rep)
	}
}
