package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWriter is a thread-safe in-memory EventWriter.
type mockWriter struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func (w *mockWriter) WriteEvent(event *AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func (w *mockWriter) WriteBatch(events []*AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, events...)
	return nil
}

func (w *mockWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestBatchSink(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 5, 100*time.Millisecond, 0, 0)

	for i := 0; i < 3; i++ {
		sink.WriteEvent(&AuditEvent{Operation: fmt.Sprintf("op-%d", i)})
	}

	// Below the batch size, nothing flushes until the interval.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, mock.len())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, mock.len())

	// Filling the buffer flushes without waiting for the ticker.
	for i := 0; i < 5; i++ {
		sink.WriteEvent(&AuditEvent{Operation: fmt.Sprintf("op-batch-%d", i)})
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 8, mock.len())

	sink.Close()
}

func TestHTTPSink(t *testing.T) {
	var capturedEvents []*AuditEvent
	var mu sync.Mutex

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		var events []*AuditEvent
		if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		capturedEvents = append(capturedEvents, events...)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, map[string]string{"X-Test": "true"})

	err := sink.WriteEvent(&AuditEvent{Operation: "test-http"})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, capturedEvents, 1)
	assert.Equal(t, "test-http", capturedEvents[0].Operation)
	mu.Unlock()
}

func TestHTTPSinkRejectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, nil)
	err := sink.WriteEvent(&AuditEvent{Operation: "rejected"})
	require.Error(t, err)
}

func TestFileSink(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "audit-log-*.json")
	require.NoError(t, err)
	path := tmpfile.Name()
	tmpfile.Close()
	defer os.Remove(path)

	sink := NewFileSink(path)
	err = sink.WriteEvent(&AuditEvent{Operation: "test-file"})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var loadedEvent AuditEvent
	err = json.Unmarshal(content, &loadedEvent)
	require.NoError(t, err)
	assert.Equal(t, "test-file", loadedEvent.Operation)
}

func TestLoggerRecordsAccessAndSync(t *testing.T) {
	mock := &mockWriter{}
	logger := NewLogger(100, mock)

	logger.LogAccess("create_object", "/tmp/store", "deadbeef", "", true, nil, time.Millisecond)
	logger.LogSync("push_remote", 2, false, errors.New("replica unreachable"), time.Second)

	events := logger.GetEvents()
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeAccess, events[0].EventType)
	assert.Equal(t, "create_object", events[0].Operation)
	assert.True(t, events[0].Success)
	assert.Equal(t, EventTypeSync, events[1].EventType)
	assert.False(t, events[1].Success)
	assert.Equal(t, "replica unreachable", events[1].Error)
	assert.Equal(t, 2, events[1].Metadata["objects_copied"])
}

func TestLoggerRedactsMetadata(t *testing.T) {
	mock := &mockWriter{}
	logger := NewLoggerWithRedaction(10, mock, []string{"access_key"})

	logger.Log(&AuditEvent{
		Operation: "sync",
		Metadata:  map[string]interface{}{"access_key": "AKIA...", "bucket": "replica"},
	})

	events := logger.GetEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "[REDACTED]", events[0].Metadata["access_key"])
	assert.Equal(t, "replica", events[0].Metadata["bucket"])
}

func TestNewLoggerFromConfig(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Sink: SinkConfig{
			Type:      "http",
			Endpoint:  "http://localhost:1234",
			BatchSize: 10,
		},
	}

	logger, err := NewLoggerFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Close()

	_, err = NewLoggerFromConfig(Config{Sink: SinkConfig{Type: "syslog"}})
	require.Error(t, err)
}
