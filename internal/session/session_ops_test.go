package session

import (
	"bytes"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kenneth/quoco/internal/audit"
	"github.com/kenneth/quoco/internal/metrics"
	"github.com/kenneth/quoco/internal/store"
)

func TestSessionObjectLifecycle(t *testing.T) {
	local := openLocal(t)
	s := New(local, nil)
	defer s.Close()

	id, err := s.CreateObject(bytes.NewReader([]byte("session payload")))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}

	exists, err := s.ObjectExists(id)
	if err != nil || !exists {
		t.Fatalf("ObjectExists = %v, %v", exists, err)
	}

	r, err := s.Object(id)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "session payload" {
		t.Fatalf("got %q", data)
	}

	if err := s.ModifyObject(id, bytes.NewReader([]byte("updated"))); err != nil {
		t.Fatalf("ModifyObject: %v", err)
	}
	r, err = s.Object(id)
	if err != nil {
		t.Fatalf("Object after modify: %v", err)
	}
	data, _ = io.ReadAll(r)
	r.Close()
	if string(data) != "updated" {
		t.Fatalf("got %q after modify", data)
	}

	if err := s.SetObjectName(id, "notes.txt"); err != nil {
		t.Fatalf("SetObjectName: %v", err)
	}
	name, ok := s.ObjectName(id)
	if !ok || name != "notes.txt" {
		t.Fatalf("ObjectName = %q, %v", name, ok)
	}
	back, ok := s.ObjectIDWithName("notes.txt")
	if !ok || back != id {
		t.Fatalf("ObjectIDWithName = %v, %v", back, ok)
	}

	if err := s.DeleteObject(id); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, ok := s.ObjectHash(id); ok {
		t.Fatal("expected hash entry gone after delete")
	}
	if _, ok := s.ObjectName(id); ok {
		t.Fatal("expected name entry gone after delete")
	}
}

func TestSessionFindNames(t *testing.T) {
	local := openLocal(t)
	s := New(local, nil)
	defer s.Close()

	a, err := s.CreateObject(bytes.NewReader([]byte("a")))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	b, err := s.CreateObject(bytes.NewReader([]byte("b")))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := s.SetObjectName(a, "invoice-2026.pdf"); err != nil {
		t.Fatalf("SetObjectName: %v", err)
	}
	if err := s.SetObjectName(b, "receipt.pdf"); err != nil {
		t.Fatalf("SetObjectName: %v", err)
	}

	matches := s.FindNames("invoice-*")
	if len(matches) != 1 || matches[0] != a {
		t.Fatalf("FindNames = %v", matches)
	}
}

func TestSessionStatusReportsSourceAndRemote(t *testing.T) {
	local := openLocal(t)
	remote := openLocal(t)
	s := New(local, remote)
	defer s.Close()

	st := s.Status()
	if st.Source == "" {
		t.Fatal("expected a source location")
	}
	if !st.HasRemote {
		t.Fatal("expected HasRemote to be true")
	}
	if !st.LastSync.IsZero() {
		t.Fatal("expected no sync recorded yet")
	}

	if err := s.PushRemote(); err != nil {
		t.Fatalf("PushRemote: %v", err)
	}
	st = s.Status()
	if st.LastSync.IsZero() {
		t.Fatal("expected LastSync to be stamped after push")
	}
	if st.LastSyncError != "" {
		t.Fatalf("unexpected sync error: %s", st.LastSyncError)
	}
}

func TestSessionRecordsAuditAndMetrics(t *testing.T) {
	local := openLocal(t)
	remote := openLocal(t)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	log := audit.NewLogger(100, &discardWriter{})

	s := New(local, remote, WithMetrics(m), WithAudit(log))
	defer s.Close()

	id, err := s.CreateObject(bytes.NewReader([]byte("audited")))
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := s.PushRemote(); err != nil {
		t.Fatalf("PushRemote: %v", err)
	}

	events := log.GetEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[0].EventType != audit.EventTypeAccess || events[0].Operation != "create_object" {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].EventType != audit.EventTypeSync || events[1].Operation != "push_remote" {
		t.Fatalf("second event = %+v", events[1])
	}
	if events[1].Metadata["objects_copied"] != 1 {
		t.Fatalf("objects_copied = %v", events[1].Metadata["objects_copied"])
	}

	// The pushed object must exist on the remote under the same id.
	exists, err := s.Remote().ObjectExists(id)
	if err != nil || !exists {
		t.Fatalf("ObjectExists on remote = %v, %v", exists, err)
	}
}

type discardWriter struct{}

func (discardWriter) WriteEvent(*audit.AuditEvent) error { return nil }

var _ store.ObjectSource = (*store.CachedSource)(nil)
