package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/YaganovValera/kalshi-stream/internal/session"
	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

// logHandler выводит события потока в лог.
func logHandler(log *logger.Logger) session.Handler {
	log = log.Named("events")
	return session.HandlerFuncs{
		Ticker: func(ctx context.Context, t session.Ticker) {
			log.WithContext(ctx).Info("ticker",
				zap.String("market_ticker", t.MarketTicker),
				zap.Stringer("bid", t.Bid),
				zap.Stringer("ask", t.Ask),
				zap.Stringer("last_price", t.LastPrice),
				zap.Int64("volume", t.Volume),
			)
		},
		OrderbookDelta: func(ctx context.Context, d session.OrderbookDelta) {
			log.WithContext(ctx).Info("orderbook_delta",
				zap.String("market_ticker", d.MarketTicker),
				zap.Int("bids", len(d.Bids)),
				zap.Int("asks", len(d.Asks)),
			)
		},
		Subscribed: func(ctx context.Context, s session.Subscribed) {
			log.WithContext(ctx).Info("subscribed",
				zap.String("channel", s.Channel),
				zap.Int64("sid", s.SID),
			)
		},
		Error: func(ctx context.Context, e session.ErrorMessage) {
			log.WithContext(ctx).Error("server error",
				zap.Int64("code", e.Code),
				zap.String("message", e.Message),
			)
		},
		Unrecognized: func(ctx context.Context, u session.Unrecognized) {
			log.WithContext(ctx).Debug("unrecognized",
				zap.String("type", u.Type),
				zap.Int("size", len(u.Raw)),
			)
		},
	}
}
