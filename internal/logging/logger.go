package logging

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context keys for logging fields
type ctxKey string

const (
	ctxKeyRequestID     ctxKey = "request_id"
	ctxKeyCorrelationID ctxKey = "correlation_id"
	ctxKeyAPIName       ctxKey = "api_name"
	ctxKeyMessageID     ctxKey = "message_id"
	ctxKeyConsumer      ctxKey = "consumer_name"
	ctxKeyServiceID     ctxKey = "service_name"
	ctxKeyComponent     ctxKey = "component"
)

// Component names for structured logging
const (
	ComponentClient   = "client"
	ComponentRegistry = "registry"
	ComponentSchema   = "schema"
	ComponentPlugin   = "plugin"
	ComponentRPCQueue = "rpcqueue"
	ComponentStreams  = "streams"
	ComponentSchemaKV = "schemakv"
)

// Canonical logging field names for consistency across the application
const (
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatusCode    = "status_code"
	FieldDurationMs    = "duration_ms"
	FieldAPIName       = "api_name"
	FieldMessageID     = "message_id"
	FieldConsumer      = "consumer_name"
	FieldServiceID     = "service_name"
	FieldComponent     = "component"
	FieldOperation     = "operation"
	FieldTarget        = "target"
	FieldActor         = "actor"
	FieldOutcome       = "outcome"
	FieldReason        = "reason"
	FieldEventType     = "event_type"
)

// NewLogger creates a zap.Logger with the specified level, format, and optional file output.
// level can be debug, info, warn, or error. format can be json or console.
// If filePath is empty, logs are written to stdout. If filePath is set, output
// goes through a size-based rotate writer capped at maxSizeMB/maxBackups.
func NewLogger(level, format, filePath string, maxSizeMB int64, maxBackups int) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info", "":
		lvl = zapcore.InfoLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var ws = zapcore.AddSync(os.Stdout)
	if filePath != "" {
		rw, err := newRotateWriter(filePath, maxSizeMB*1024*1024, maxBackups)
		if err != nil {
			return nil, err
		}
		ws = rw
	}

	core := zapcore.NewCore(encoder, ws, lvl)
	return zap.New(core), nil
}

// NewComponentLogger creates a logger with a component field pre-populated
func NewComponentLogger(level, format, filePath, component string, maxSizeMB int64, maxBackups int) (*zap.Logger, error) {
	logger, err := NewLogger(level, format, filePath, maxSizeMB, maxBackups)
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String(FieldComponent, component)), nil
}

// WithContext adds context fields to the logger
func WithContext(logger *zap.Logger, ctx context.Context) *zap.Logger {
	fields := ExtractContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// ExtractContextFields extracts logging fields from context
func ExtractContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field

	if v := ctx.Value(ctxKeyRequestID); v != nil {
		if id, ok := v.(string); ok && id != "" {
			fields = append(fields, zap.String(FieldRequestID, id))
		}
	}

	if v := ctx.Value(ctxKeyCorrelationID); v != nil {
		if id, ok := v.(string); ok && id != "" {
			fields = append(fields, zap.String(FieldCorrelationID, id))
		}
	}

	if v := ctx.Value(ctxKeyAPIName); v != nil {
		if name, ok := v.(string); ok && name != "" {
			fields = append(fields, zap.String(FieldAPIName, name))
		}
	}

	if v := ctx.Value(ctxKeyMessageID); v != nil {
		if id, ok := v.(string); ok && id != "" {
			fields = append(fields, zap.String(FieldMessageID, id))
		}
	}

	if v := ctx.Value(ctxKeyConsumer); v != nil {
		if name, ok := v.(string); ok && name != "" {
			fields = append(fields, zap.String(FieldConsumer, name))
		}
	}

	if v := ctx.Value(ctxKeyServiceID); v != nil {
		if name, ok := v.(string); ok && name != "" {
			fields = append(fields, zap.String(FieldServiceID, name))
		}
	}

	if v := ctx.Value(ctxKeyComponent); v != nil {
		if comp, ok := v.(string); ok && comp != "" {
			fields = append(fields, zap.String(FieldComponent, comp))
		}
	}

	return fields
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// WithCorrelationID adds a correlation id (e.g. tracing an RPC call across
// processes) to context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelationID, correlationID)
}

// WithAPIName adds the API name to context
func WithAPIName(ctx context.Context, apiName string) context.Context {
	return context.WithValue(ctx, ctxKeyAPIName, apiName)
}

// WithMessageID adds the RPC/event message id to context
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, ctxKeyMessageID, messageID)
}

// WithConsumerName adds the event consumer (group) name to context
func WithConsumerName(ctx context.Context, consumerName string) context.Context {
	return context.WithValue(ctx, ctxKeyConsumer, consumerName)
}

// WithServiceName adds the owning service name to context
func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ctxKeyServiceID, serviceName)
}

// WithComponent adds component to context
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ctxKeyComponent, component)
}

// GetRequestID extracts request ID from context
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(ctxKeyRequestID); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// GetCorrelationID extracts the correlation id from context
func GetCorrelationID(ctx context.Context) string {
	if v := ctx.Value(ctxKeyCorrelationID); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// GetAPIName extracts the API name from context
func GetAPIName(ctx context.Context) string {
	if v := ctx.Value(ctxKeyAPIName); v != nil {
		if name, ok := v.(string); ok {
			return name
		}
	}
	return ""
}

// GetMessageID extracts the message id from context
func GetMessageID(ctx context.Context) string {
	if v := ctx.Value(ctxKeyMessageID); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
