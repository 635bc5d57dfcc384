// Package audit records who touched which object when. Events are
// buffered in memory for querying and mirrored to a configurable sink
// (stdout, file, or HTTP collector).
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventTypeAccess is a session-level object operation (create,
	// read, modify, delete, name changes).
	EventTypeAccess EventType = "access"
	// EventTypeSync is a push_remote/pull_remote reconciliation.
	EventTypeSync EventType = "sync"
	// EventTypeKeyRotation is a wrapping-key rotation in the external
	// key custody service.
	EventTypeKeyRotation EventType = "key_rotation"
)

// Config configures an audit logger and its sink. It is independent
// of the top-level config loader so audit can be wired wherever a
// Session or Registry needs it.
type Config struct {
	Enabled            bool
	MaxEvents          int
	Sink               SinkConfig
	RedactMetadataKeys []string
}

// SinkConfig describes where audit events are written.
type SinkConfig struct {
	Type          string // "stdout", "file", "http"
	FilePath      string
	Endpoint      string
	Headers       map[string]string
	BatchSize     int
	FlushInterval time.Duration
	RetryCount    int
	RetryBackoff  time.Duration
}

// AuditEvent is a single audit log record.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	Source     string                 `json:"source,omitempty"`
	ObjectID   string                 `json:"object_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	KeyVersion int                    `json:"key_version,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	// Log records an already-built event.
	Log(event *AuditEvent) error

	// LogAccess records a session-level object operation.
	LogAccess(operation, source, objectID, requestID string, success bool, err error, duration time.Duration)

	// LogSync records a push_remote/pull_remote reconciliation.
	LogSync(direction string, objectsCopied int, success bool, err error, duration time.Duration)

	// LogKeyRotation records a wrapping-key rotation.
	LogKeyRotation(keyVersion int, success bool, err error)

	// GetEvents returns the buffered events, newest last.
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying sink.
	Close() error
}

type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter receives each event as it is logged.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates an audit logger retaining up to maxEvents in
// memory and mirroring each event to writer.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction is NewLogger with a set of metadata keys
// whose values are masked before the event is stored or written.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig builds the sink stack cfg describes.
func NewLoggerFromConfig(cfg Config) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log records event in the memory buffer and forwards it to the sink.
// Sink failures never fail the operation being audited; the batch
// sink reports its own delivery failures.
func (l *auditLogger) Log(event *AuditEvent) error {
	event.Metadata = l.redactMetadata(event.Metadata)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

// Close closes the underlying sink if it supports closing.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogAccess implements Logger.
func (l *auditLogger) LogAccess(operation, source, objectID, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeAccess,
		Operation: operation,
		Source:    source,
		ObjectID:  objectID,
		RequestID: requestID,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogSync implements Logger.
func (l *auditLogger) LogSync(direction string, objectsCopied int, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeSync,
		Operation: direction,
		Success:   success,
		Duration:  duration,
		Metadata:  map[string]interface{}{"objects_copied": objectsCopied},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogKeyRotation implements Logger.
func (l *auditLogger) LogKeyRotation(keyVersion int, success bool, err error) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeKeyRotation,
		Operation:  "key_rotation",
		KeyVersion: keyVersion,
		Success:    success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents implements Logger.
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// marshalEvent is shared by the sinks that emit one JSON document per
// event.
func marshalEvent(event *AuditEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit event: %w", err)
	}
	return data, nil
}
