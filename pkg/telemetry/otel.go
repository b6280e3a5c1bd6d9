// pkg/telemetry/otel.go
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

// Атрибуты ресурса, специфичные для клиента потока.
const (
	AttrVenue = attribute.Key("kalshi.venue")
	AttrWSURL = attribute.Key("kalshi.ws_url")
)

var (
	ErrNoEndpoint = errors.New("telemetry: otel endpoint is required")
	ErrBadRatio   = errors.New("telemetry: sampler ratio must be in [0,1]")
)

// Config: настройки экспорта трассировки. При Enabled=false спаны уходят
// в глобальный no-op провайдер.
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"otel_endpoint"` // OTLP-collector "host:port"
	Insecure        bool          `mapstructure:"insecure"`      // gRPC без TLS
	ReconnectPeriod time.Duration `mapstructure:"reconnect_period"`
	Timeout         time.Duration `mapstructure:"timeout"`       // таймаут Start/Shutdown
	SamplerRatio    float64       `mapstructure:"sampler_ratio"` // 0 → 1
}

// Validate проверяет только включённую трассировку.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.SamplerRatio < 0 || c.SamplerRatio > 1 {
		return fmt.Errorf("%w, got %v", ErrBadRatio, c.SamplerRatio)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ReconnectPeriod <= 0 {
		c.ReconnectPeriod = 5 * time.Second
	}
	if c.SamplerRatio == 0 {
		c.SamplerRatio = 1
	}
}

// Service описывает процесс в ресурсе трассировки. Имя и версия задаются
// один раз при сборке приложения, а не в конфиге трассировки.
type Service struct {
	Name    string
	Version string
	WSURL   string
}

// Shutdown сбрасывает накопленные спаны и останавливает провайдер.
// Повторные вызовы возвращают результат первого.
type Shutdown func(context.Context) error

// Start настраивает глобальный TracerProvider с OTLP/gRPC экспортом.
func Start(ctx context.Context, cfg Config, svc Service, log *logger.Logger) (Shutdown, error) {
	log = log.Named("telemetry")
	if !cfg.Enabled {
		log.Debug("disabled")
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if svc.Name == "" {
		return nil, errors.New("telemetry: service name is required")
	}
	cfg.applyDefaults()

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithReconnectionPeriod(cfg.ReconnectPeriod),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(initCtx, opts...)
	if err != nil {
		log.Error("exporter creation failed", zap.Error(err), zap.String("endpoint", cfg.Endpoint))
		return nil, fmt.Errorf("telemetry: exporter: %w", err)
	}

	res, err := newResource(svc)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(cfg.SamplerRatio)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("initialized",
		zap.String("service", svc.Name),
		zap.String("version", svc.Version),
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sampler_ratio", cfg.SamplerRatio),
	)

	var (
		once   sync.Once
		result error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
			if result = tp.Shutdown(ctx); result != nil {
				log.Error("shutdown failed", zap.Error(result))
			}
		})
		return result
	}, nil
}

// newResource: service.* по semconv, instance id на процесс и адрес потока.
func newResource(svc Service) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(svc.Name),
		semconv.ServiceInstanceID(uuid.NewString()),
		AttrVenue.String("kalshi"),
	}
	if svc.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(svc.Version))
	}
	if svc.WSURL != "" {
		attrs = append(attrs, AttrWSURL.String(svc.WSURL))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// sampler: полная выборка без лишней обёртки, иначе доля от корневых спанов.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
