package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// API lifecycle events
	AuditEventAPIRegistered AuditEventType = "api_registered"
	AuditEventSchemaPushed  AuditEventType = "schema_pushed"

	// RPC events
	AuditEventRPCCallSent    AuditEventType = "rpc_call_sent"
	AuditEventRPCCallHandled AuditEventType = "rpc_call_handled"

	// Event-bus events
	AuditEventFired    AuditEventType = "event_fired"
	AuditEventConsumed AuditEventType = "event_consumed"

	// Process lifecycle events
	AuditEventClientOpened   AuditEventType = "client_opened"
	AuditEventClientShutdown AuditEventType = "client_shutdown"
	AuditEventPluginError    AuditEventType = "plugin_error"

	// Configuration events
	AuditEventConfigChange AuditEventType = "config_change"
)

// AuditOutcome represents the outcome of an audit event
type AuditOutcome string

const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
	AuditOutcomeError   AuditOutcome = "error"
)

// AuditEvent represents a security- or operations-sensitive event on the bus
type AuditEvent struct {
	EventType     AuditEventType `json:"event_type"`
	Actor         string         `json:"actor,omitempty"`          // service/process that performed the action
	Target        string         `json:"target,omitempty"`         // resource being acted upon
	Outcome       AuditOutcome   `json:"outcome"`                  // success/failure/error
	Reason        string         `json:"reason,omitempty"`         // additional context for the outcome
	RequestID     string         `json:"request_id,omitempty"`     // associated request id
	CorrelationID string         `json:"correlation_id,omitempty"` // associated correlation id
	APIName       string         `json:"api_name,omitempty"`       // associated API name
	MessageID     string         `json:"message_id,omitempty"`     // associated RPC/event message id
	Timestamp     time.Time      `json:"timestamp"`                // when the event occurred
	Details       map[string]any `json:"details,omitempty"`        // additional event-specific details
}

// AuditLogger provides structured audit logging functionality
type AuditLogger struct {
	logger   *zap.Logger
	external *ExternalLogger
}

// NewAuditLogger creates a new audit logger using the provided base logger.
// Audit events are only written to logger; nothing is forwarded externally.
func NewAuditLogger(baseLogger *zap.Logger) *AuditLogger {
	return &AuditLogger{
		logger: baseLogger.With(zap.String("log_type", "audit")),
	}
}

// NewAuditLoggerWithExternal creates an audit logger that, in addition to
// writing through baseLogger, mirrors every audit event (JSON-encoded) to
// external. This is the async forwarder a compliance sink or SIEM would
// tail instead of scraping the process' own log file.
func NewAuditLoggerWithExternal(baseLogger *zap.Logger, external *ExternalLogger) *AuditLogger {
	return &AuditLogger{
		logger:   baseLogger.With(zap.String("log_type", "audit")),
		external: external,
	}
}

// Close releases the external forwarder, flushing any buffered events. It
// is a no-op when the logger was built without one.
func (a *AuditLogger) Close() {
	if a.external != nil {
		a.external.Close()
	}
}

// HTTPSender implements Sender by POSTing each batch, JSON-array-encoded,
// to endpoint. Modeled on the dispatcher webhook plugins' (helicone,
// lunary) "one client, one endpoint, bearer auth" shape.
type HTTPSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSender builds a Sender that posts to endpoint, optionally
// authenticating with apiKey as a bearer token.
func NewHTTPSender(endpoint, apiKey string) *HTTPSender {
	return &HTTPSender{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, batch [][]byte) error {
	if len(batch) == 0 {
		return nil
	}

	payload := make([]json.RawMessage, len(batch))
	for i, b := range batch {
		payload[i] = json.RawMessage(b)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode audit batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build audit forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send audit batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit forward endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// LogEvent logs an audit event with structured fields
func (a *AuditLogger) LogEvent(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}
	if event.APIName == "" {
		event.APIName = GetAPIName(ctx)
	}
	if event.MessageID == "" {
		event.MessageID = GetMessageID(ctx)
	}

	fields := []zap.Field{
		zap.String(FieldEventType, string(event.EventType)),
		zap.String(FieldOutcome, string(event.Outcome)),
		zap.Time("timestamp", event.Timestamp),
	}

	if event.Actor != "" {
		fields = append(fields, zap.String(FieldActor, event.Actor))
	}
	if event.Target != "" {
		fields = append(fields, zap.String(FieldTarget, event.Target))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String(FieldReason, event.Reason))
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String(FieldRequestID, event.RequestID))
	}
	if event.CorrelationID != "" {
		fields = append(fields, zap.String(FieldCorrelationID, event.CorrelationID))
	}
	if event.APIName != "" {
		fields = append(fields, zap.String(FieldAPIName, event.APIName))
	}
	if event.MessageID != "" {
		fields = append(fields, zap.String(FieldMessageID, event.MessageID))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}

	switch event.Outcome {
	case AuditOutcomeFailure, AuditOutcomeError:
		a.logger.Warn("Audit event", fields...)
	default:
		a.logger.Info("Audit event", fields...)
	}

	if a.external != nil {
		if encoded, err := json.Marshal(event); err == nil {
			a.external.Log(encoded)
		}
	}
}

// LogAPIRegistered logs an API being registered (and its schema pushed) locally.
func (a *AuditLogger) LogAPIRegistered(ctx context.Context, apiName, actor string, outcome AuditOutcome, reason string) {
	a.LogEvent(ctx, AuditEvent{
		EventType: AuditEventAPIRegistered,
		Actor:     actor,
		Target:    apiName,
		APIName:   apiName,
		Outcome:   outcome,
		Reason:    reason,
	})
}

// LogRPCCallSent logs an RPC call being published by a caller.
func (a *AuditLogger) LogRPCCallSent(ctx context.Context, apiName, procedureName, messageID, actor string, outcome AuditOutcome, reason string) {
	a.LogEvent(ctx, AuditEvent{
		EventType: AuditEventRPCCallSent,
		Actor:     actor,
		Target:    apiName + "." + procedureName,
		APIName:   apiName,
		MessageID: messageID,
		Outcome:   outcome,
		Reason:    reason,
	})
}

// LogRPCCallHandled logs a server finishing execution of an RPC call.
func (a *AuditLogger) LogRPCCallHandled(ctx context.Context, apiName, procedureName, messageID string, outcome AuditOutcome, reason string, durationMs float64) {
	a.LogEvent(ctx, AuditEvent{
		EventType: AuditEventRPCCallHandled,
		Target:    apiName + "." + procedureName,
		APIName:   apiName,
		MessageID: messageID,
		Outcome:   outcome,
		Reason:    reason,
		Details: map[string]any{
			"duration_ms": durationMs,
		},
	})
}

// LogEventFired logs an event being published.
func (a *AuditLogger) LogEventFired(ctx context.Context, apiName, eventName, messageID, actor string, outcome AuditOutcome, reason string) {
	a.LogEvent(ctx, AuditEvent{
		EventType: AuditEventFired,
		Actor:     actor,
		Target:    apiName + "." + eventName,
		APIName:   apiName,
		MessageID: messageID,
		Outcome:   outcome,
		Reason:    reason,
	})
}

// LogEventConsumed logs a listener finishing (or failing) handling of a
// delivered event.
func (a *AuditLogger) LogEventConsumed(ctx context.Context, apiName, eventName, messageID, listenerName string, outcome AuditOutcome, reason string) {
	a.LogEvent(ctx, AuditEvent{
		EventType: AuditEventConsumed,
		Actor:     listenerName,
		Target:    apiName + "." + eventName,
		APIName:   apiName,
		MessageID: messageID,
		Outcome:   outcome,
		Reason:    reason,
	})
}

// LogClientShutdown logs a client runtime completing its shutdown sequence.
func (a *AuditLogger) LogClientShutdown(ctx context.Context, serviceName, processName string, exitCode int) {
	outcome := AuditOutcomeSuccess
	if exitCode != 0 {
		outcome = AuditOutcomeFailure
	}
	a.LogEvent(ctx, AuditEvent{
		EventType: AuditEventClientShutdown,
		Actor:     serviceName + "/" + processName,
		Outcome:   outcome,
		Details: map[string]any{
			"exit_code": exitCode,
		},
	})
}

// LogPluginError logs a plugin hook failure surfaced through the exception hook.
func (a *AuditLogger) LogPluginError(ctx context.Context, pluginName, hookName, reason string) {
	a.LogEvent(ctx, AuditEvent{
		EventType: AuditEventPluginError,
		Actor:     pluginName,
		Target:    hookName,
		Outcome:   AuditOutcomeError,
		Reason:    reason,
	})
}

// LogConfigChange logs a configuration change event
func (a *AuditLogger) LogConfigChange(ctx context.Context, component, actor string, outcome AuditOutcome, reason string, changes map[string]any) {
	a.LogEvent(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Actor:     actor,
		Target:    component,
		Outcome:   outcome,
		Reason:    reason,
		Details:   changes,
	})
}
