package session

import (
	"strings"

	"go.uber.org/zap"

	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

// Каналы, на которые умеет подписываться клиент.
const (
	ChannelTicker         = "ticker"
	ChannelOrderbookDelta = "orderbook_delta"
)

// request: одна команда subscribe, отправляемая при открытии.
type request struct {
	Channels     []string
	MarketTicker string
}

// initialRequests реализует выбор каналов при открытии подключения.
//
// Явный список: ticker, если указан; orderbook_delta, если указан и
// задан market ticker, иначе пропуск с предупреждением; прочие имена
// пропускаются. Пустой список: ticker всегда, orderbook_delta только при
// заданном market ticker.
func initialRequests(channels []string, marketTicker string, log *logger.Logger) []request {
	var wantTicker, wantBook bool
	if len(channels) == 0 {
		wantTicker = true
		wantBook = marketTicker != ""
	} else {
		for _, ch := range channels {
			switch strings.TrimSpace(ch) {
			case ChannelTicker:
				wantTicker = true
			case ChannelOrderbookDelta:
				if marketTicker == "" {
					log.Warn("orderbook_delta requested without market ticker, skipping")
					continue
				}
				wantBook = true
			case "":
			default:
				log.Warn("unsupported channel, skipping", zap.String("channel", ch))
			}
		}
	}

	var out []request
	if wantTicker {
		out = append(out, request{Channels: []string{ChannelTicker}})
	}
	if wantBook {
		out = append(out, request{Channels: []string{ChannelOrderbookDelta}, MarketTicker: marketTicker})
	}
	return out
}
