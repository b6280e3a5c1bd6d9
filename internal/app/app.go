// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/kalshi-stream/internal/config"
	"github.com/YaganovValera/kalshi-stream/internal/connection"
	"github.com/YaganovValera/kalshi-stream/internal/httpserver"
	"github.com/YaganovValera/kalshi-stream/internal/metrics"
	"github.com/YaganovValera/kalshi-stream/internal/relay"
	"github.com/YaganovValera/kalshi-stream/internal/session"
	"github.com/YaganovValera/kalshi-stream/pkg/kafka"
	"github.com/YaganovValera/kalshi-stream/pkg/kalshi/auth"
	"github.com/YaganovValera/kalshi-stream/pkg/kalshi/transport"
	"github.com/YaganovValera/kalshi-stream/pkg/logger"
	"github.com/YaganovValera/kalshi-stream/pkg/telemetry"
)

// Run собирает клиент по конфигурации и блокирует до завершения сессии
// или отмены ctx. Ошибка подписи или инициализации возвращается до
// первой попытки подключения.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register()

	shutdownTracer, err := telemetry.Start(ctx, cfg.Telemetry, telemetry.Service{
		Name:    config.ServiceName,
		Version: cfg.ServiceVersion,
		WSURL:   cfg.WSURL,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(context.Background()) }, log)

	signer, err := auth.NewSigner(cfg.Credentials(), auth.WithSaltProfile(cfg.SaltProfile()))
	if err != nil {
		metrics.SigningErrors.Inc()
		return fmt.Errorf("signer init: %w", err)
	}
	log.Info("signer ready",
		zap.String("key_id", signer.KeyID()),
		zap.String("salt_profile", string(cfg.SaltProfile())),
	)

	handlers := session.Multi{logHandler(log)}
	var checks []httpserver.ReadyChecker

	if cfg.Kafka.Enabled {
		prod, err := kafka.New(ctx, cfg.Kafka.Config, log)
		if err != nil {
			return fmt.Errorf("kafka producer init: %w", err)
		}
		defer shutdownSafe(ctx, "kafka-producer", prod.Close, log)
		handlers = append(handlers, relay.New(prod, cfg.Kafka.Topic, log))
		checks = append(checks, prod.Ping)
	}

	dial := func() session.Conn {
		tr := transport.NewWS(cfg.Transport, log)
		return connection.New(cfg.WSURL, signer, tr, log)
	}
	sess := session.New(cfg.Session(), dial, handlers, log)
	defer shutdownSafe(ctx, "session", sess.Stop, log)
	checks = append([]httpserver.ReadyChecker{func(context.Context) error { return sess.Ready() }}, checks...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Addr != "" {
		srv, err := httpserver.New(cfg.HTTP, log, checks...)
		if err != nil {
			return fmt.Errorf("httpserver init: %w", err)
		}
		g.Go(func() error { return srv.Start(ctx) })
	}

	g.Go(func() error {
		// сессия закончилась, останавливаем остальное
		defer cancel()
		return sess.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("stopped by context")
			return nil
		}
		return err
	}
	return nil
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
