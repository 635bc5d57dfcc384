package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kenneth/quoco/internal/metrics"
)

type staticStatus struct {
	sessions []SessionStatus
}

func (s staticStatus) Sessions() []SessionStatus { return s.sessions }

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func TestHealthzReportsSessions(t *testing.T) {
	status := staticStatus{sessions: []SessionStatus{
		{
			ID:        "3f2a",
			Source:    "/var/lib/quoco/store",
			HasRemote: true,
			LastSync:  time.Now(),
		},
	}}

	server := NewServer(":0", status, newTestMetrics(), nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status   string          `json:"status"`
		Sessions []SessionStatus `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != "healthy" {
		t.Fatalf("Status = %q", body.Status)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].Source != "/var/lib/quoco/store" {
		t.Fatalf("Sessions = %+v", body.Sessions)
	}
}

func TestLivezAndReadyz(t *testing.T) {
	server := NewServer(":0", staticStatus{}, newTestMetrics(), nil)

	for _, path := range []string{"/livez", "/readyz"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server := NewServer(":0", staticStatus{}, newTestMetrics(), nil)

	req := httptest.NewRequest("POST", "/healthz", nil)
	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}
