// Package relay публикует разобранные события потока в Kafka в JSON,
// с ключом по тикеру рынка.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/YaganovValera/kalshi-stream/internal/metrics"
	"github.com/YaganovValera/kalshi-stream/internal/session"
	"github.com/YaganovValera/kalshi-stream/pkg/kafka"
	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

var tracer = otel.Tracer("kalshi/relay")

type tickerEvent struct {
	Type         string          `json:"type"`
	MarketTicker string          `json:"market_ticker"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Volume       int64           `json:"volume"`
	ReceivedAt   time.Time       `json:"received_at"`
}

type level struct {
	Price decimal.Decimal `json:"price"`
	Size  int64           `json:"size"`
}

type orderbookEvent struct {
	Type         string    `json:"type"`
	MarketTicker string    `json:"market_ticker"`
	Bids         []level   `json:"bids"`
	Asks         []level   `json:"asks"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Relay: session.Handler, отправляющий ticker и orderbook_delta в топик.
// Остальные типы игнорируются. Публикация синхронная: пока идут ретраи,
// следующие кадры ждут.
type Relay struct {
	session.HandlerFuncs

	producer kafka.Producer
	topic    string
	log      *logger.Logger
	now      func() time.Time
}

var _ session.Handler = (*Relay)(nil)

// New создаёт Relay.
func New(p kafka.Producer, topic string, log *logger.Logger) *Relay {
	return &Relay{
		producer: p,
		topic:    topic,
		log:      log.Named("relay"),
		now:      time.Now,
	}
}

func (r *Relay) OnTicker(ctx context.Context, t session.Ticker) {
	r.publish(ctx, t.MarketTicker, tickerEvent{
		Type:         session.TypeTicker,
		MarketTicker: t.MarketTicker,
		Bid:          t.Bid,
		Ask:          t.Ask,
		LastPrice:    t.LastPrice,
		Volume:       t.Volume,
		ReceivedAt:   r.now().UTC(),
	})
}

func (r *Relay) OnOrderbookDelta(ctx context.Context, d session.OrderbookDelta) {
	r.publish(ctx, d.MarketTicker, orderbookEvent{
		Type:         session.TypeOrderbookDelta,
		MarketTicker: d.MarketTicker,
		Bids:         levels(d.Bids),
		Asks:         levels(d.Asks),
		ReceivedAt:   r.now().UTC(),
	})
}

func levels(in []session.Level) []level {
	out := make([]level, len(in))
	for i, l := range in {
		out[i] = level{Price: l.Price, Size: l.Size}
	}
	return out
}

func (r *Relay) publish(ctx context.Context, key string, evt any) {
	ctx, span := tracer.Start(ctx, "Relay.publish")
	defer span.End()

	body, err := json.Marshal(evt)
	if err != nil {
		metrics.RelayPublishes.WithLabelValues("error").Inc()
		span.RecordError(err)
		r.log.WithContext(ctx).Error("marshal event failed", zap.Error(err))
		return
	}
	if err := r.producer.Publish(ctx, r.topic, []byte(key), body); err != nil {
		metrics.RelayPublishes.WithLabelValues("error").Inc()
		span.RecordError(err)
		r.log.WithContext(ctx).Error("relay publish failed",
			zap.String("topic", r.topic),
			zap.String("market_ticker", key),
			zap.Error(err),
		)
		return
	}
	metrics.RelayPublishes.WithLabelValues("ok").Inc()
}
