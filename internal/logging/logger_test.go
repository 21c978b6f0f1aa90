package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_FileOutput(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, err := NewLogger("debug", "json", logFile, 10, 5)
	require.NoError(t, err)
	logger.Info("hello", zap.String("foo", "bar"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"foo\":\"bar\"")
}

func TestNewLogger_StdoutOutput(t *testing.T) {
	logger, err := NewLogger("info", "json", "", 10, 5)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_AllLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error", "", "invalid", "DEBUG", "INFO", "WARN", "ERROR"}
	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			logger, err := NewLogger(level, "json", "", 10, 5)
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_AllFormats(t *testing.T) {
	formats := []string{"json", "console", "JSON", "CONSOLE", "invalid", ""}
	for _, format := range formats {
		t.Run(format, func(t *testing.T) {
			logger, err := NewLogger("info", format, "", 10, 5)
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "console.log")

	logger, err := NewLogger("debug", "console", logFile, 10, 5)
	require.NoError(t, err)
	logger.Info("test message", zap.String("key", "value"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "test message")
	assert.Contains(t, string(data), "key")
}

func TestNewLogger_FileError(t *testing.T) {
	invalidPath := "/non/existent/directory/test.log"

	logger, err := NewLogger("info", "json", invalidPath, 10, 5)
	assert.Error(t, err)
	assert.Nil(t, logger)
}

func TestNewLogger_FileRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "rotate.log")

	logger, err := NewLogger("info", "json", logFile, 1, 2)
	require.NoError(t, err)
	for i := 0; i < 20000; i++ {
		logger.Info("filler line padding out the log file to force rotation", zap.Int("i", i))
	}
	require.NoError(t, logger.Sync())

	_, err = os.Stat(logFile + ".1")
	assert.NoError(t, err, "expected a rotated backup once the 1MB cap was exceeded")
}

func TestNewComponentLogger(t *testing.T) {
	logger, err := NewComponentLogger("info", "json", "", ComponentClient, 10, 5)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestWithContext_AllFields(t *testing.T) {
	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithCorrelationID(ctx, "corr-456")
	ctx = WithAPIName(ctx, "auth")
	ctx = WithMessageID(ctx, "msg-789")
	ctx = WithConsumerName(ctx, "worker-1")
	ctx = WithServiceName(ctx, "busrelay")
	ctx = WithComponent(ctx, ComponentClient)

	fields := ExtractContextFields(ctx)
	assert.Len(t, fields, 7)
}

func TestWithContext_NoFields(t *testing.T) {
	logger, err := NewLogger("info", "json", "", 10, 5)
	require.NoError(t, err)

	decorated := WithContext(logger, context.Background())
	assert.Same(t, logger, decorated)
}

func TestGetRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", GetRequestID(ctx))
	assert.Equal(t, "", GetRequestID(context.Background()))
}

func TestGetCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-456")
	assert.Equal(t, "corr-456", GetCorrelationID(ctx))
	assert.Equal(t, "", GetCorrelationID(context.Background()))
}

func TestGetAPIName(t *testing.T) {
	ctx := WithAPIName(context.Background(), "auth")
	assert.Equal(t, "auth", GetAPIName(ctx))
	assert.Equal(t, "", GetAPIName(context.Background()))
}

func TestGetMessageID(t *testing.T) {
	ctx := WithMessageID(context.Background(), "msg-789")
	assert.Equal(t, "msg-789", GetMessageID(ctx))
	assert.Equal(t, "", GetMessageID(context.Background()))
}
