package redstone

import (
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Logger writes one JSON line per call. Every line carries the service name.
type Logger struct {
	Service string
	z       *zap.Logger
}

func NewLogger(service string) *Logger {
	l, err := NewLoggerWithLevel(service, "info")
	if err != nil {
		return &Logger{Service: service, z: zap.NewNop()}
	}
	return l
}

// NewLoggerWithLevel builds a production JSON logger at the given level
// (debug, info, warn, error).
func NewLoggerWithLevel(service, level string) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.DisableStacktrace = true
	z, err := cfg.Build(zap.Fields(zap.String("service", service)))
	if err != nil {
		return nil, err
	}
	return &Logger{Service: service, z: z}, nil
}

func NewNopLogger() *Logger {
	return &Logger{z: zap.NewNop()}
}

// NewObservedLogger records entries in memory so tests can assert on them.
func NewObservedLogger(service string) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{Service: service, z: zap.New(core).With(zap.String("service", service))}, logs
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.emit(zapcore.DebugLevel, msg, fields) }

func (l *Logger) Info(msg string, fields map[string]any) { l.emit(zapcore.InfoLevel, msg, fields) }

func (l *Logger) Warn(msg string, fields map[string]any) { l.emit(zapcore.WarnLevel, msg, fields) }

func (l *Logger) Error(msg string, fields map[string]any) { l.emit(zapcore.ErrorLevel, msg, fields) }

// With returns a child logger that adds fields to every line.
func (l *Logger) With(fields map[string]any) *Logger {
	if l == nil || l.z == nil {
		return NewNopLogger()
	}
	return &Logger{Service: l.Service, z: l.z.With(toZap(fields)...)}
}

func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}

func (l *Logger) emit(level zapcore.Level, msg string, fields map[string]any) {
	if l == nil || l.z == nil {
		return
	}
	if ce := l.z.Check(level, msg); ce != nil {
		ce.Write(toZap(fields)...)
	}
}

func toZap(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			out = append(out, zap.String(k, v.Error()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
