package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()

	if m == nil {
		t.Fatal("New returned nil")
	}
	if m.registry == nil {
		t.Error("Registry is nil")
	}
	if m.MessagesSentTotal == nil {
		t.Error("MessagesSentTotal is nil")
	}
	if m.SessionPhase == nil {
		t.Error("SessionPhase is nil")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveEvent("ready")
	m.SetPhase("ready", []string{"ready"})
	m.ObserveSend("single", true, time.Second)
	m.ObserveBatch(3)
	m.ObserveRequest("/send", 200)
}

func TestObserveSend(t *testing.T) {
	m := New()
	m.ObserveSend("single", true, 10*time.Millisecond)
	m.ObserveSend("bulk", false, 10*time.Millisecond)
	m.ObserveSend("bulk", false, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.MessagesSentTotal.WithLabelValues("single", "success")); got != 1 {
		t.Errorf("single/success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessagesSentTotal.WithLabelValues("bulk", "failure")); got != 2 {
		t.Errorf("bulk/failure = %v, want 2", got)
	}
}

func TestSetPhase(t *testing.T) {
	m := New()
	phases := []string{"awaiting_pairing", "ready", "disconnected"}

	m.SetPhase("ready", phases)

	if got := testutil.ToFloat64(m.SessionPhase.WithLabelValues("ready")); got != 1 {
		t.Errorf("ready gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionPhase.WithLabelValues("disconnected")); got != 0 {
		t.Errorf("disconnected gauge = %v, want 0", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveBatch(4)
	m.ObserveRequest("/status", 503)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"wa_gateway_bulk_batches_total 1",
		`wa_gateway_http_requests_total{code="5xx",route="/status"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
