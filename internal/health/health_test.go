package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "bulkdm/pkg/logx"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHandler(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "bulkdm_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	h := NewServer(Config{}, reg, logx.Nop()).Handler()

	for _, path := range []string{"/", "/healthz"} {
		code, body := get(t, h, path)
		if code != http.StatusOK || body != AliveText {
			t.Fatalf("GET %s = %d %q", path, code, body)
		}
	}
	if code, _ := get(t, h, "/nope"); code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d, want 404", code)
	}
	code, body := get(t, h, "/metrics")
	if code != http.StatusOK || !strings.Contains(body, "bulkdm_test_total 3") {
		t.Fatalf("GET /metrics = %d %q", code, body)
	}
}

func TestHandlerWithoutGatherer(t *testing.T) {
	t.Parallel()
	h := NewServer(Config{}, nil, logx.Nop()).Handler()
	if code, _ := get(t, h, "/metrics"); code != http.StatusNotFound {
		t.Fatalf("GET /metrics = %d, want 404", code)
	}
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()
	s := NewServer(Config{}, nil, logx.Nop())
	if code, _ := get(t, s.Handler(), "/status"); code != http.StatusNotFound {
		t.Fatalf("GET /status without source = %d, want 404", code)
	}

	s.SetStatus(func() any { return map[string]int{"queued": 4} })
	code, body := get(t, s.Handler(), "/status")
	if code != http.StatusOK || !strings.Contains(body, `"queued": 4`) {
		t.Fatalf("GET /status = %d %q", code, body)
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	t.Parallel()
	s := NewServer(Config{Addr: "127.0.0.1:0"}, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}

	resp, err := http.Get("http://" + s.Addr() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != AliveText {
		t.Fatalf("body = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type notifyRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *notifyRecorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *notifyRecorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifierStates(t *testing.T) {
	t.Parallel()
	rec := &notifyRecorder{}
	n := NewNotifier(logx.Nop())
	n.notify = rec.notify

	n.Ready()
	n.Stopping()
	if rec.count("READY=1") != 1 || rec.count("STOPPING=1") != 1 {
		t.Fatalf("states = %q", rec.states)
	}
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &notifyRecorder{}
	n := NewNotifier(logx.Nop())
	n.notify = rec.notify
	n.watchdog = func() (time.Duration, error) { return 20 * time.Millisecond, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.RunWatchdog(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count("WATCHDOG=1") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("watchdog never pinged")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunWatchdog = %v", err)
	}
}

func TestWatchdogDisabledWaits(t *testing.T) {
	t.Parallel()
	n := NewNotifier(logx.Nop())
	n.watchdog = func() (time.Duration, error) { return 0, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.RunWatchdog(ctx); err != nil {
		t.Fatalf("RunWatchdog = %v", err)
	}
}
