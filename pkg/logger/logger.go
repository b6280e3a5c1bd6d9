// pkg/logger/logger.go
package logger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// contextKey: тип ключа для context.Value, чтобы избежать коллизий.
type contextKey string

// ConnectionIDKey хранит идентификатор текущего WS-подключения.
const ConnectionIDKey contextKey = "connection_id"

// Config описывает, как инициализировать zap-логгер.
// Level  , "debug" | "info" | "warn" | "error" (по умолчанию "info")
// DevMode: true → человекочитаемый консольный вывод, иначе JSON.
type Config struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

func (c *Config) applyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

func (c Config) validate() error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return fmt.Errorf("logger: invalid level %q: %w", c.Level, err)
	}
	return nil
}

// Logger: тонкая обёртка над *zap.Logger.
type Logger struct {
	raw *zap.Logger
}

// New создаёт Logger по заданному Config.
// При завершении работы приложения обязательно вызовите Sync().
func New(cfg Config) (*Logger, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	zapCfg := buildZapConfig(cfg.DevMode)
	var lvl zapcore.Level
	_ = lvl.UnmarshalText([]byte(cfg.Level))
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("logger: build zap: %w", err)
	}
	return &Logger{raw: zl}, nil
}

// FromZap оборачивает готовый *zap.Logger (удобно в тестах с zaptest/observer).
func FromZap(zl *zap.Logger) *Logger {
	return &Logger{raw: zl.WithOptions(zap.AddCallerSkip(1))}
}

// Nop возвращает логгер, который ничего не пишет.
func Nop() *Logger { return &Logger{raw: zap.NewNop()} }

func buildZapConfig(dev bool) zap.Config {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		// prod-режим: JSON с семплингом
		cfg = zap.NewProductionConfig()
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}

	ec := &cfg.EncoderConfig
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.CallerKey = "caller"
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	ec.StacktraceKey = "stacktrace"
	return cfg
}

// Sync сбрасывает все буферы (ошибки игнорируются).
func (l *Logger) Sync() { _ = l.raw.Sync() }

// Named создаёт sub-logger с префиксом.
func (l *Logger) Named(name string) *Logger {
	return &Logger{raw: l.raw.Named(name)}
}

// With добавляет постоянные поля.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{raw: l.raw.With(fields...)}
}

// WithContext добавляет trace_id из активного span'а и connection_id из контекста.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := make([]zap.Field, 0, 2)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if v, ok := ctx.Value(ConnectionIDKey).(string); ok {
		fields = append(fields, zap.String(string(ConnectionIDKey), v))
	}
	if len(fields) == 0 {
		return l
	}
	return &Logger{raw: l.raw.With(fields...)}
}

// Sugar возвращает SugaredLogger для printf-стиля.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.raw.Sugar()
}

// Уровни
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.raw.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.raw.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }

// ContextWithConnectionID возвращает новый контекст с connection-ID.
func ContextWithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, id)
}
