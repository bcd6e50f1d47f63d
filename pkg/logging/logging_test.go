package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	l, err := New("test", DEBUG, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buf := &bytes.Buffer{}
	l.output = buf
	return l, buf
}

func TestLogEntryIncludesScopedFields(t *testing.T) {
	l, buf := newTestLogger(t)
	scoped := l.WithFields(Fields{"call_id": "call-1", "local_peer": "alice", "remote_peer": "bob"})

	scoped.Info("handshake complete")

	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.CallID != "call-1" || entry.LocalPeer != "alice" || entry.RemotePeer != "bob" {
		t.Fatalf("expected scoped fields in entry, got %+v", entry)
	}
	if entry.Component != "test" {
		t.Fatalf("expected component %q, got %q", "test", entry.Component)
	}
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	l, buf := newTestLogger(t)
	_ = l.WithField("call_id", "call-2")

	l.Info("unscoped")

	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.CallID != "" {
		t.Fatalf("expected parent logger to remain unscoped, got call_id=%q", entry.CallID)
	}
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newTestLogger(t)
	l.SetLevel(WARN)

	l.Debug("should not appear")
	l.Info("should not appear either")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below WARN, got %q", buf.String())
	}

	l.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected WARN entry to be emitted, got %q", buf.String())
	}
}

func TestWithComponentPreservesScopedFields(t *testing.T) {
	l, buf := newTestLogger(t)
	scoped := l.WithField("call_id", "call-3").WithComponent("mediapipeline")

	scoped.Info("frame dropped")

	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Component != "mediapipeline" {
		t.Fatalf("expected component override, got %q", entry.Component)
	}
	if entry.CallID != "call-3" {
		t.Fatalf("expected call_id to survive WithComponent, got %q", entry.CallID)
	}
}

func TestErrorEntryCarriesStackTrace(t *testing.T) {
	l, buf := newTestLogger(t)
	l.Error("something broke")

	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.StackTrace == "" {
		t.Fatal("expected a stack trace on an ERROR entry")
	}
}
