package logging

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/inkwell/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var zapLevels = map[LogLevel]zapcore.Level{
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
	LevelFatal: zapcore.FatalLevel,
}

// level is shared by every logger built with New so SetLevel applies process-wide.
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// LogEntry accumulates correlation ids and fields until a level method emits it
type LogEntry struct {
	logger    *Logger
	Level     LogLevel
	Message   string
	TraceID   string
	SpanID    string
	CallerID  string
	IssueID   string
	Recipient string
	Fields    map[string]any
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      *zap.Logger
}

// New creates a JSON logger on stdout for the given service
func New(service string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true

	zl, err := cfg.Build()
	if err != nil {
		zl = zap.NewNop()
	}
	return NewWithZap(service, zl)
}

// NewWithZap wraps an existing zap logger, e.g. one backed by an observer core in tests
func NewWithZap(service string, zl *zap.Logger) *Logger {
	return &Logger{service: service, zl: zl}
}

// SetLevel changes the minimum level of loggers created by New
func SetLevel(l string) error {
	zl, ok := zapLevels[LogLevel(strings.ToLower(strings.TrimSpace(l)))]
	if !ok {
		return fmt.Errorf("logging: unknown level %q", l)
	}
	level.SetLevel(zl)
	return nil
}

// Sync flushes buffered output
func (l *Logger) Sync() {
	_ = l.zl.Sync()
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	return &LogEntry{
		logger:  l,
		TraceID: tracing.GetTraceID(ctx),
		SpanID:  tracing.GetSpanID(ctx),
		Fields:  make(map[string]any),
	}
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return &LogEntry{logger: l, Fields: fields}
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{logger: l, Fields: make(map[string]any)}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithCaller sets the authenticated caller the entry concerns
func (e *LogEntry) WithCaller(callerID string) *LogEntry {
	e.CallerID = callerID
	return e
}

func (e *LogEntry) WithIssue(issueID string) *LogEntry {
	e.IssueID = issueID
	return e
}

func (e *LogEntry) WithRecipient(email string) *LogEntry {
	e.Recipient = email
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	maps.Copy(e.Fields, fields)
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.output(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.output(LevelDebug, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.output(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.output(LevelInfo, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warn(message string) { e.output(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.output(LevelWarn, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Error(message string) { e.output(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.output(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.output(LevelFatal, message) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.output(LevelFatal, fmt.Sprintf(format, args...))
}

func (e *LogEntry) zapFields() []zap.Field {
	fields := make([]zap.Field, 0, 6+len(e.Fields))
	if e.logger.service != "" {
		fields = append(fields, zap.String("service", e.logger.service))
	}
	for _, kv := range [...]struct{ key, val string }{
		{"trace_id", e.TraceID},
		{"span_id", e.SpanID},
		{"caller_id", e.CallerID},
		{"issue_id", e.IssueID},
		{"recipient", e.Recipient},
	} {
		if kv.val != "" {
			fields = append(fields, zap.String(kv.key, kv.val))
		}
	}
	if len(e.Fields) > 0 {
		fields = append(fields, zap.Any("fields", e.Fields))
	}
	return fields
}

// output hands the entry to zap. Fatal entries exit the process after writing.
func (e *LogEntry) output(lvl LogLevel, message string) {
	e.Level = lvl
	e.Message = message
	if ce := e.logger.zl.Check(zapLevels[lvl], message); ce != nil {
		ce.Write(e.zapFields()...)
	}
}

// Global convenience functions

var defaultLogger = New("inkwell")

// Default returns the process-wide logger
func Default() *Logger {
	return defaultLogger
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
