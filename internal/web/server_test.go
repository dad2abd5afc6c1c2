package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"groupcast/internal/broadcast"
	"groupcast/internal/dedupe"
	"groupcast/internal/metrics"
	"groupcast/internal/ratelimit"
	"groupcast/internal/retry"
	"groupcast/internal/sendqueue"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

type stubSender struct {
	readyErr error
	sendErr  error
}

func (s *stubSender) Name() string { return "stub" }
func (s *stubSender) Ready(ctx context.Context, dests []string) ([]string, error) {
	return nil, s.readyErr
}
func (s *stubSender) Send(ctx context.Context, msg transport.Message) error {
	return s.sendErr
}

type harness struct {
	srv    *Server
	sender *stubSender
	queue  *sendqueue.Queue
	caster *broadcast.Broadcaster
}

func newHarness(t *testing.T, cfg broadcast.Config, webCfg Config) *harness {
	t.Helper()
	sender := &stubSender{}
	queue := sendqueue.New(sendqueue.Config{MinSpacing: time.Minute}, logx.Nop())
	limiter := ratelimit.New(100, logx.Nop())
	caster := broadcast.New(cfg, limiter,
		dedupe.New(storage.NewMemory(), logx.Nop()),
		retry.New(retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}, logx.Nop()),
		queue, sender, nil, logx.Nop())
	srv := New(webCfg, caster, queue, limiter, nil, nil, logx.Nop())
	return &harness{srv: srv, sender: sender, queue: queue, caster: caster}
}

func armedCfg() broadcast.Config {
	return broadcast.Config{
		Whitelist:      []string{"G1", "G2"},
		Armed:          true,
		DedupeInterval: time.Minute,
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newHarness(t, armedCfg(), Config{})

	rec := do(t, h.srv.Router(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestBroadcastImmediate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, armedCfg(), Config{})

	rec := do(t, h.srv.Router(), http.MethodPost, "/api/broadcast",
		`{"destinations":["G1","G2"],"text":"hello","immediate":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var stats broadcast.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Sent != 2 {
		t.Fatalf("stats = %+v, want 2 sent", stats)
	}
}

func TestBroadcastQueuedLandsInQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, armedCfg(), Config{})

	rec := do(t, h.srv.Router(), http.MethodPost, "/api/broadcast",
		`{"destinations":["G1"],"text":"later","window_seconds":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if n := h.queue.PendingCount(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	rec = do(t, h.srv.Router(), http.MethodGet, "/api/queue", "")
	var out struct {
		Pending int                 `json:"pending"`
		Actions []sendqueue.Summary `json:"actions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Pending != 1 || len(out.Actions) != 1 || out.Actions[0].Destination != "G1" {
		t.Fatalf("queue view = %+v", out)
	}
}

func TestBroadcastErrorMapping(t *testing.T) {
	t.Parallel()

	t.Run("whitelist violation is 400", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, armedCfg(), Config{})
		rec := do(t, h.srv.Router(), http.MethodPost, "/api/broadcast",
			`{"destinations":["EVIL"],"text":"x","immediate":true}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("interlock is 403", func(t *testing.T) {
		t.Parallel()
		cfg := armedCfg()
		cfg.Armed = false
		h := newHarness(t, cfg, Config{})
		rec := do(t, h.srv.Router(), http.MethodPost, "/api/broadcast",
			`{"destinations":["G1"],"text":"x","immediate":true}`)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("transport not ready is 409", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, armedCfg(), Config{})
		h.sender.readyErr = errors.New("session gone")
		rec := do(t, h.srv.Router(), http.MethodPost, "/api/broadcast",
			`{"destinations":["G1"],"text":"x","immediate":true}`)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("bad body is 400", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, armedCfg(), Config{})
		rec := do(t, h.srv.Router(), http.MethodPost, "/api/broadcast", `{"destinations":`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestQueueMutations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, armedCfg(), Config{})
	router := h.srv.Router()

	h.queue.Schedule("morning", []string{"G1", "G2"}, "x", "", 0)
	h.queue.Schedule("evening", []string{"G1"}, "x", "", 0)

	rec := do(t, router, http.MethodDelete, "/api/tasks/morning", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	var del struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &del); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if del.Removed != 2 {
		t.Fatalf("removed = %d, want 2", del.Removed)
	}

	rec = do(t, router, http.MethodPost, "/api/queue/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if n := h.queue.PendingCount(); n != 0 {
		t.Fatalf("pending = %d after clear, want 0", n)
	}

	rec = do(t, router, http.MethodPost, "/api/queue/clear-completed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear-completed status = %d", rec.Code)
	}
}

func TestLimiterStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, armedCfg(), Config{})

	rec := do(t, h.srv.Router(), http.MethodGet, "/api/limiter", "")
	var out map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["max"] != 100 || out["current"] != 0 {
		t.Fatalf("limiter view = %v", out)
	}
}

func TestSchedulerStatusWithoutScheduler(t *testing.T) {
	t.Parallel()
	h := newHarness(t, armedCfg(), Config{})

	rec := do(t, h.srv.Router(), http.MethodGet, "/api/scheduler", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"enabled":false`) {
		t.Fatalf("body = %s, want enabled:false", rec.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	queue := sendqueue.New(sendqueue.Config{}, logx.Nop())
	met := metrics.New(reg, queue.PendingCount)
	met.ObserveBroadcast("queued")

	h := newHarness(t, armedCfg(), Config{})
	h.srv.gatherer = reg

	rec := do(t, h.srv.Router(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "groupcast_broadcasts_total") ||
		!strings.Contains(body, "groupcast_queue_pending") {
		t.Fatalf("metrics exposition missing collectors:\n%s", body)
	}
}

func TestMutatingRoutesThrottled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, armedCfg(), Config{RatePerSec: 1})
	router := h.srv.Router()

	limited := false
	for i := 0; i < 10; i++ {
		rec := do(t, router, http.MethodPost, "/api/queue/clear-completed", "")
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst of mutating requests never hit the throttle")
	}

	// Read routes stay unthrottled.
	for i := 0; i < 10; i++ {
		if rec := do(t, router, http.MethodGet, "/api/queue", ""); rec.Code != http.StatusOK {
			t.Fatalf("read route throttled: %d", rec.Code)
		}
	}
}
