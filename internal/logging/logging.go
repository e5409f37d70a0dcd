package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// Logger handles debug logging to file and stderr.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	enabled bool
	sugar   *zap.SugaredLogger
	stderr  io.Writer
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Get returns the default logger instance.
func Get() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{sugar: zap.NewNop().Sugar(), stderr: os.Stderr}
		defaultLogger.init()
	})
	return defaultLogger
}

// New wraps an existing zap logger. The result is always enabled.
func New(sugar *zap.SugaredLogger) *Logger {
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	return &Logger{sugar: sugar, enabled: true, stderr: io.Discard}
}

// NewForTest returns a logger that writes through t.Log.
func NewForTest(t zaptest.TestingT) *Logger {
	return New(zaptest.NewLogger(t).Sugar())
}

func (l *Logger) init() {
	// Enabled via env var or ~/.gptool/debug file
	debugEnv := os.Getenv("GPTOOL_DEBUG")

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gptool log: failed to get home dir: %v\n", err)
		return
	}

	debugFile := filepath.Join(home, ".gptool", "debug")
	_, debugFileErr := os.Stat(debugFile)
	debugFileExists := debugFileErr == nil

	if debugEnv != "1" && !debugFileExists {
		l.enabled = false
		return
	}

	logsDir := filepath.Join(home, ".gptool", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "gptool log: failed to create logs dir %s: %v\n", logsDir, err)
		return
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logsDir, fmt.Sprintf("gptool-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gptool log: failed to open log file %s: %v\n", logPath, err)
		return
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(file),
		zap.DebugLevel,
	)

	l.file = file
	l.enabled = true
	l.sugar = zap.New(core).Sugar().With("component", "backend")

	if debugEnv == "1" {
		l.sugar.Infow("Logging started", "source", "GPTOOL_DEBUG=1", "path", logPath)
	} else {
		l.sugar.Infow("Logging started", "source", debugFile, "path", logPath)
	}
}

// Enabled returns whether debug logging is enabled.
func (l *Logger) Enabled() bool {
	return l.enabled
}

// Sugar exposes the underlying zap logger for libraries that take one.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...any) *zap.SugaredLogger {
	return l.sugar.With(keysAndValues...)
}

// Debug logs a debug message (file only).
func (l *Logger) Debug(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an info message (file only).
func (l *Logger) Info(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning (file only).
func (l *Logger) Warn(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message (file and stderr).
func (l *Logger) Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	fmt.Fprintf(l.stderr, "gptool error: %s\n", msg)
	l.mu.Unlock()
	if l.enabled {
		l.sugar.Error(msg)
	}
}

// Request logs an incoming request.
func (l *Logger) Request(action string, raw string) {
	if !l.enabled {
		return
	}
	l.sugar.Debugw("request", "action", action, "raw", truncate(raw, 500))
}

// Response logs an outgoing response.
func (l *Logger) Response(msgType string, raw string) {
	if !l.enabled {
		return
	}
	l.sugar.Debugw("response", "type", msgType, "raw", truncate(raw, 500))
}

// Stream logs a streaming event.
func (l *Logger) Stream(eventType string, content string) {
	if !l.enabled {
		return
	}
	l.sugar.Debugw("stream", "event", eventType, "content", truncate(content, 200))
}

// ToolCall logs a tool call.
func (l *Logger) ToolCall(name string, args string) {
	if !l.enabled {
		return
	}
	l.sugar.Debugw("tool call", "name", name, "args", truncate(args, 500))
}

// Close flushes and closes the log file.
func (l *Logger) Close() {
	_ = l.sugar.Sync()
	if l.file != nil {
		l.file.Close()
	}
}

// Writer returns an io.Writer for the log file (for external use).
func (l *Logger) Writer() io.Writer {
	if l.file != nil {
		return l.file
	}
	return io.Discard
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
