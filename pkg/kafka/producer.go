// pkg/kafka/producer.go
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/kalshi-stream/pkg/backoff"
	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var producerMetrics = struct {
	ConnectAttempts prometheus.Counter
	ConnectErrors   prometheus.Counter
	PublishSuccess  prometheus.Counter
	PublishErrors   prometheus.Counter
	PublishLatency  prometheus.Histogram
	PingErrors      prometheus.Counter
}{
	ConnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kalshi", Subsystem: "kafka_producer", Name: "connect_attempts_total",
		Help: "Kafka producer connect attempts",
	}),
	ConnectErrors: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kalshi", Subsystem: "kafka_producer", Name: "connect_errors_total",
		Help: "Kafka producer connect errors",
	}),
	PublishSuccess: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kalshi", Subsystem: "kafka_producer", Name: "publish_success_total",
		Help: "Successful publishes",
	}),
	PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kalshi", Subsystem: "kafka_producer", Name: "publish_errors_total",
		Help: "Publish errors",
	}),
	PublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kalshi", Subsystem: "kafka_producer", Name: "publish_latency_seconds",
		Help:    "Publish latency (seconds)",
		Buckets: prometheus.DefBuckets,
	}),
	PingErrors: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kalshi", Subsystem: "kafka_producer", Name: "ping_errors_total",
		Help: "Ping errors",
	}),
}

var tracer = otel.Tracer("kalshi/kafka-producer")

// Producer публикует сообщения в Kafka.
type Producer interface {
	// Publish доставляет сообщение согласно RequiredAcks, с ретраями по Backoff.
	Publish(ctx context.Context, topic string, key, value []byte) error
	// Ping проверяет достижимость кластера (обновление метаданных).
	Ping(ctx context.Context) error
	Close() error
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config groups all tunables for a Kafka Sync-producer.
//
// Zero values are replaced with sane defaults by applyDefaults().
type Config struct {
	// Brokers: список адресов Kafka-брокеров.
	Brokers []string `mapstructure:"brokers"`

	// RequiredAcks: "all" (дефолт) | "leader" | "none".
	RequiredAcks string `mapstructure:"acks"`

	// Timeout: максимальное время ожидания ack от кластера.
	Timeout time.Duration `mapstructure:"timeout"`

	// Compression: "none" (дефолт), "gzip", "snappy", "lz4", "zstd".
	Compression string `mapstructure:"compression"`

	// Backoff описывает стратегию ретраев подключения и отправки.
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka producer: brokers required")
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
		// идемпотентность sarama допускает только с WaitForAll
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka producer: invalid RequiredAcks %q", c.RequiredAcks)
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafka producer: invalid Compression %q", c.Compression)
	}

	return sc, nil
}

// -----------------------------------------------------------------------------
// Producer implementation
// -----------------------------------------------------------------------------

type kafkaProducer struct {
	prod       sarama.SyncProducer
	client     sarama.Client
	logger     *logger.Logger
	backoffCfg backoff.Config
}

// New создает SyncProducer c ретраями подключения.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	var (
		client   sarama.Client
		syncProd sarama.SyncProducer
	)
	connect := func(ctx context.Context) error {
		producerMetrics.ConnectAttempts.Inc()
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			producerMetrics.ConnectErrors.Inc()
			return err
		}
		p, err := sarama.NewSyncProducerFromClient(c)
		if err != nil {
			_ = c.Close()
			producerMetrics.ConnectErrors.Inc()
			return err
		}
		client, syncProd = c, p
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	if err := backoff.Execute(ctxConn, "kafka_connect", cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		span.End()
		log.Error("kafka producer connect failed", zap.Error(err))
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}
	span.End()

	log.Info("kafka producer ready", zap.Strings("brokers", cfg.Brokers))
	return &kafkaProducer{
		prod:       otelsarama.WrapSyncProducer(sc, syncProd),
		client:     client,
		logger:     log,
		backoffCfg: cfg.Backoff,
	}, nil
}

// Publish отправляет сообщение в Kafka c ретраями.
func (k *kafkaProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	ctxPub, span := tracer.Start(ctx, "Publish", trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()
	start := time.Now()

	send := func(ctx context.Context) error {
		msg := &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.ByteEncoder(key),
			Value: sarama.ByteEncoder(value),
		}
		_, _, err := k.prod.SendMessage(msg)
		return err
	}

	err := backoff.Execute(ctxPub, "kafka_publish", k.backoffCfg, k.logger, send)
	latency := time.Since(start)
	producerMetrics.PublishLatency.Observe(latency.Seconds())

	if err != nil {
		producerMetrics.PublishErrors.Inc()
		span.RecordError(err)
		k.logger.Error("publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}

	producerMetrics.PublishSuccess.Inc()
	k.logger.Debug("publish succeeded",
		zap.String("topic", topic),
		zap.Float64("latency_s", latency.Seconds()),
	)
	return nil
}

// Ping обновляет метаданные клиента, проверяя доступность кластера.
func (k *kafkaProducer) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ping")
	defer span.End()
	if k.client == nil {
		return fmt.Errorf("kafka producer: no client")
	}
	if err := k.client.RefreshMetadata(); err != nil {
		producerMetrics.PingErrors.Inc()
		span.RecordError(err)
		return err
	}
	return nil
}

// Close корректно закрывает продьюсер и клиент.
func (k *kafkaProducer) Close() error {
	if err := k.prod.Close(); err != nil {
		k.logger.Error("producer close failed", zap.Error(err))
		return err
	}
	if k.client != nil && !k.client.Closed() {
		if err := k.client.Close(); err != nil {
			k.logger.Error("client close failed", zap.Error(err))
			return err
		}
	}
	k.logger.Info("kafka producer closed")
	return nil
}
