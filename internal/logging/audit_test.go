package logging

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewAuditLogger(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	if auditLogger == nil {
		t.Fatal("NewAuditLogger() returned nil")
	}
	if auditLogger.logger == nil {
		t.Fatal("AuditLogger has nil logger")
	}
}

func TestAuditLogger_LogEvent(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "test-request-id")
	ctx = WithAPIName(ctx, "auth")

	event := AuditEvent{
		EventType: AuditEventAPIRegistered,
		Actor:     "busrelay-service",
		Target:    "auth",
		Outcome:   AuditOutcomeSuccess,
		Reason:    "registered at startup",
		Details: map[string]any{
			"procedure_count": 3,
		},
	}

	auditLogger.LogEvent(ctx, event)

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry.Message != "Audit event" {
		t.Errorf("Expected message 'Audit event', got %v", entry.Message)
	}
	if entry.Level != zapcore.InfoLevel {
		t.Errorf("Expected InfoLevel, got %v", entry.Level)
	}

	var hasEventType, hasOutcome, hasActor, hasTarget, hasRequestID, hasAPIName bool
	for _, field := range entry.Context {
		switch field.Key {
		case FieldEventType:
			hasEventType = true
			if field.String != string(AuditEventAPIRegistered) {
				t.Errorf("Expected event_type %v, got %v", AuditEventAPIRegistered, field.String)
			}
		case FieldOutcome:
			hasOutcome = true
		case FieldActor:
			hasActor = true
		case FieldTarget:
			hasTarget = true
		case FieldRequestID:
			hasRequestID = true
			if field.String != "test-request-id" {
				t.Errorf("Expected request_id test-request-id, got %v", field.String)
			}
		case FieldAPIName:
			hasAPIName = true
			if field.String != "auth" {
				t.Errorf("Expected api_name auth, got %v", field.String)
			}
		}
	}

	for name, ok := range map[string]bool{
		"event_type": hasEventType, "outcome": hasOutcome, "actor": hasActor,
		"target": hasTarget, "request_id": hasRequestID, "api_name": hasAPIName,
	} {
		if !ok {
			t.Errorf("Missing %s field", name)
		}
	}
}

func TestAuditLogger_LogEvent_FailureLevel(t *testing.T) {
	core, recorded := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	event := AuditEvent{
		EventType: AuditEventPluginError,
		Actor:     "metrics",
		Outcome:   AuditOutcomeFailure,
		Reason:    "transport unavailable",
	}

	auditLogger.LogEvent(context.Background(), event)

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("Expected WarnLevel for failure outcome, got %v", entries[0].Level)
	}
}

func TestAuditLogger_LogAPIRegistered(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	ctx := WithRequestID(context.Background(), "req-123")
	auditLogger.LogAPIRegistered(ctx, "auth", "busrelay-service", AuditOutcomeSuccess, "")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Message != "Audit event" {
		t.Errorf("Expected message 'Audit event', got %v", entries[0].Message)
	}
}

func TestAuditLogger_LogRPCCallSent(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	auditLogger.LogRPCCallSent(context.Background(), "auth", "login", "msg-1", "caller-service", AuditOutcomeSuccess, "")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}

	var hasTarget, hasMessageID bool
	for _, field := range entries[0].Context {
		switch field.Key {
		case FieldTarget:
			hasTarget = true
			if field.String != "auth.login" {
				t.Errorf("Expected target auth.login, got %v", field.String)
			}
		case FieldMessageID:
			hasMessageID = true
			if field.String != "msg-1" {
				t.Errorf("Expected message_id msg-1, got %v", field.String)
			}
		}
	}
	if !hasTarget {
		t.Error("Missing target field")
	}
	if !hasMessageID {
		t.Error("Missing message_id field")
	}
}

func TestAuditLogger_LogRPCCallHandled(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	auditLogger.LogRPCCallHandled(context.Background(), "auth", "login", "msg-1", AuditOutcomeSuccess, "", 12.5)

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}

	var hasDetails bool
	for _, field := range entries[0].Context {
		if field.Key == "details" {
			if details, ok := field.Interface.(map[string]any); ok {
				if d, exists := details["duration_ms"]; exists && d == 12.5 {
					hasDetails = true
				}
			}
		}
	}
	if !hasDetails {
		t.Error("Missing duration_ms in details")
	}
}

func TestAuditLogger_LogEventFired(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	auditLogger.LogEventFired(context.Background(), "auth", "user_registered", "msg-2", "auth-service", AuditOutcomeSuccess, "")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
}

func TestAuditLogger_LogEventConsumed(t *testing.T) {
	core, recorded := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	auditLogger.LogEventConsumed(context.Background(), "auth", "user_registered", "msg-2", "welcome-emailer", AuditOutcomeError, "handler panicked")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("Expected WarnLevel for error outcome, got %v", entries[0].Level)
	}
}

func TestAuditLogger_LogClientShutdown(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	auditLogger.LogClientShutdown(context.Background(), "busrelay-service", "worker-1", 0)

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("Expected InfoLevel for clean shutdown, got %v", entries[0].Level)
	}
}

func TestAuditLogger_LogClientShutdown_NonZeroExit(t *testing.T) {
	core, recorded := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	auditLogger.LogClientShutdown(context.Background(), "busrelay-service", "worker-1", 1)

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("Expected WarnLevel for non-zero exit code, got %v", entries[0].Level)
	}
}

func TestAuditLogger_LogPluginError(t *testing.T) {
	core, recorded := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	auditLogger.LogPluginError(context.Background(), "metrics", "before_event_sent", "transport closed")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("Expected WarnLevel for plugin error, got %v", entries[0].Level)
	}
}

func TestAuditLogger_LogConfigChange(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	auditLogger.LogConfigChange(context.Background(), "registry", "operator", AuditOutcomeSuccess, "", map[string]any{"apis.auth.rpc_timeout": "10s"})

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
}

func TestAuditEvent_TimestampAutoSet(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	auditLogger := NewAuditLogger(logger)

	event := AuditEvent{
		EventType: AuditEventAPIRegistered,
		Actor:     "busrelay-service",
		Target:    "auth",
		Outcome:   AuditOutcomeSuccess,
	}

	auditLogger.LogEvent(context.Background(), event)

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}

	var timestampFound bool
	for _, field := range entries[0].Context {
		if field.Key == "timestamp" {
			timestampFound = true
			break
		}
	}
	if !timestampFound {
		t.Error("Missing timestamp field")
	}
}

func TestAuditEventTypes(t *testing.T) {
	eventTypes := []AuditEventType{
		AuditEventAPIRegistered,
		AuditEventSchemaPushed,
		AuditEventRPCCallSent,
		AuditEventRPCCallHandled,
		AuditEventFired,
		AuditEventConsumed,
		AuditEventClientOpened,
		AuditEventClientShutdown,
		AuditEventPluginError,
		AuditEventConfigChange,
	}

	for _, eventType := range eventTypes {
		if string(eventType) == "" {
			t.Errorf("Event type is empty: %v", eventType)
		}
	}
}

func TestAuditOutcomes(t *testing.T) {
	outcomes := []AuditOutcome{
		AuditOutcomeSuccess,
		AuditOutcomeFailure,
		AuditOutcomeError,
	}

	for _, outcome := range outcomes {
		if string(outcome) == "" {
			t.Errorf("Outcome is empty: %v", outcome)
		}
	}
}

func TestAuditLogger_ForwardsToExternal(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	fs := &fakeSender{}
	external := NewExternalLogger(true, 5, 1, time.Hour, time.Millisecond, 1, false, fs, nil)
	auditLogger := NewAuditLoggerWithExternal(logger, external)

	auditLogger.LogEvent(context.Background(), AuditEvent{
		EventType: AuditEventAPIRegistered,
		Actor:     "auth",
		APIName:   "auth",
		Outcome:   AuditOutcomeSuccess,
	})
	auditLogger.Close()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.calls) == 0 {
		t.Fatal("expected the audit event to be forwarded through the external sender")
	}
	if !bytesContainAll(fs.calls, "api_registered") {
		t.Errorf("forwarded batch %v does not contain the audit event", fs.calls)
	}
}

func bytesContainAll(batches [][]string, substr string) bool {
	for _, batch := range batches {
		for _, s := range batch {
			if strings.Contains(s, substr) {
				return true
			}
		}
	}
	return false
}

func TestHTTPSender_Send(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization header = %q, want Bearer secret", got)
		}
		body, _ := io.ReadAll(r.Body)
		received = body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewHTTPSender(srv.URL, "secret")
	err := sender.Send(context.Background(), [][]byte{[]byte(`{"event_type":"api_registered"}`)})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !strings.Contains(string(received), "api_registered") {
		t.Errorf("server received unexpected body: %s", received)
	}
}

func TestHTTPSender_Send_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewHTTPSender(srv.URL, "")
	err := sender.Send(context.Background(), [][]byte{[]byte(`{}`)})
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}
