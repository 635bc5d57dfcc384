package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // keep test output quiet

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	wrapped := LoggingMiddleware(logger)(handler)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Body.String() != `{"status":"healthy"}` {
		t.Errorf("body altered by middleware: %q", w.Body.String())
	}
}

func TestResponseWriterCapturesStatusAndBytes(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	rw.WriteHeader(http.StatusServiceUnavailable)
	if rw.statusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rw.statusCode)
	}

	n, err := rw.Write([]byte("not_ready"))
	if err != nil {
		t.Errorf("Write returned error: %v", err)
	}
	if n != 9 || rw.bytesWritten != 9 {
		t.Errorf("expected 9 bytes written, got n=%d bytesWritten=%d", n, rw.bytesWritten)
	}
}
