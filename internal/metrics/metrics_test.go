package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionAdded()
	m.SessionRemoved()
	m.Spawned(nil)
	m.StatusChanged("running")
	m.Output(10, true)
	m.CommandBlocked()
	m.EventPublished("output")
	m.EventDropped()
	m.ConnOpened()
	m.ConnClosed()
	m.Message("write")
	m.ProtocolError("malformed")
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestSpawned(t *testing.T) {
	m := New()
	m.Spawned(nil)
	m.Spawned(nil)
	m.Spawned(errors.New("boom"))

	if got := testutil.ToFloat64(m.SessionsSpawned); got != 2 {
		t.Errorf("spawned = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SpawnFailures); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
}

func TestOutput(t *testing.T) {
	m := New()
	m.Output(100, false)
	m.Output(50, true)

	if got := testutil.ToFloat64(m.OutputBytes); got != 150 {
		t.Errorf("output bytes = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.HistoryTruncations); got != 1 {
		t.Errorf("truncations = %v, want 1", got)
	}
}

func TestLabelledCounters(t *testing.T) {
	m := New()
	m.EventPublished("output")
	m.EventPublished("output")
	m.EventPublished("status_change")
	m.Message("write")

	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues("output")); got != 2 {
		t.Errorf("output events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WSMessages.WithLabelValues("write")); got != 1 {
		t.Errorf("write messages = %v, want 1", got)
	}
}

func TestHandler_ExposesNamespace(t *testing.T) {
	m := New()
	m.SessionAdded()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "terminal_sessions_active 1") {
		t.Errorf("expected sessions gauge in output:\n%s", body)
	}
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/terminal/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/terminal/abc", nil))

	got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/terminal/:id", "200"))
	if got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
}
