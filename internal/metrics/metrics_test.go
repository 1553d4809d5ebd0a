package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/svinit/svinit/internal/events"
)

func TestNewCollector(t *testing.T) {
	c := New()
	if c == nil {
		t.Fatal("expected non-nil collector")
	}
}

func TestMetricsHandler(t *testing.T) {
	c := New()
	body := scrape(t, c)
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("expected go_goroutines metric")
	}
}

func TestSubscribeUpdatesServiceStateGauge(t *testing.T) {
	c := New()
	bus := events.NewBus(nil)
	c.Subscribe(bus)

	bus.Publish(events.Event{Type: events.ServiceState, Fields: []string{"web", "up", "0"}})

	body := scrape(t, c)
	if !strings.Contains(body, `svinit_service_state{service="web"} 2`) {
		t.Fatalf("expected service state metric, got:\n%s", body)
	}
	if !strings.Contains(body, `svinit_service_starts_total{service="web"} 1`) {
		t.Fatalf("expected start counter to bump on up transition, got:\n%s", body)
	}
}

func TestSubscribeTracksFDCount(t *testing.T) {
	c := New()
	bus := events.NewBus(nil)
	c.Subscribe(bus)

	bus.Publish(events.Event{Type: events.FDState, Fields: []string{"logpipe", "pipe-write"}})
	bus.Publish(events.Event{Type: events.FDState, Fields: []string{"cfgfile", "file"}})

	body := scrape(t, c)
	if !strings.Contains(body, "svinit_fd_count 2") {
		t.Fatalf("expected fd count = 2, got:\n%s", body)
	}
}

func TestSubscribeTracksSignalPending(t *testing.T) {
	c := New()
	bus := events.NewBus(nil)
	c.Subscribe(bus)

	bus.Publish(events.Event{Type: events.Signal, Fields: []string{"SIGTERM", "3"}})

	body := scrape(t, c)
	if !strings.Contains(body, `svinit_signal_pending{signal="SIGTERM"} 3`) {
		t.Fatalf("expected signal pending metric, got:\n%s", body)
	}
}

func TestBuildInfo(t *testing.T) {
	c := New()
	c.SetBuildInfo("1.0.0", "go1.26.0")

	body := scrape(t, c)
	if !strings.Contains(body, `svinit_build_info{go_version="go1.26.0",version="1.0.0"} 1`) {
		t.Fatalf("expected build info metric, got:\n%s", body)
	}
}

func TestShutdownPhaseGauge(t *testing.T) {
	c := New()
	c.SetShutdownPhase(2)

	body := scrape(t, c)
	if !strings.Contains(body, "svinit_shutdown_phase 2") {
		t.Fatalf("expected shutdown phase metric, got:\n%s", body)
	}
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics scrape failed: %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	return string(body)
}
