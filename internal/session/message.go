package session

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Типы входящих сообщений.
const (
	TypeTicker         = "ticker"
	TypeOrderbookDelta = "orderbook_delta"
	TypeSubscribed     = "subscribed"
	TypeError          = "error"
	TypeUnrecognized   = "unrecognized"
)

// DefaultMarketTicker подставляется, если в ticker нет market_ticker.
const DefaultMarketTicker = "N/A"

// Message: разобранное входящее сообщение.
type Message interface {
	MessageType() string
}

// Ticker: обновление котировок рынка. Отсутствующие поля равны нулю,
// отсутствующий тикер рынка равен DefaultMarketTicker. Дробный volume или
// volume вне int64 тоже даёт 0.
type Ticker struct {
	MarketTicker string
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	LastPrice    decimal.Decimal
	Volume       int64
}

// Level: ценовой уровень [price, size]. Уровень с дробным size или size вне
// int64 считается некорректным и пропускается.
type Level struct {
	Price decimal.Decimal
	Size  int64
}

// OrderbookDelta: изменения уровней стакана.
type OrderbookDelta struct {
	MarketTicker string
	Bids         []Level
	Asks         []Level
}

// Subscribed: подтверждение подписки.
type Subscribed struct {
	ID      int64 // id команды subscribe, 0 если сервер его не прислал
	Channel string
	SID     int64 // идентификатор подписки на сервере
}

// ErrorMessage: ошибка от сервера.
type ErrorMessage struct {
	ID      int64
	Code    int64
	Message string
	Raw     string
}

// Unrecognized: неизвестный тип или кадр, который не удалось разобрать.
// Raw всегда содержит исходный текст.
type Unrecognized struct {
	Type string
	Raw  string
	Err  error // *ProtocolError при ошибке разбора, иначе nil
}

func (Ticker) MessageType() string         { return TypeTicker }
func (OrderbookDelta) MessageType() string { return TypeOrderbookDelta }
func (Subscribed) MessageType() string     { return TypeSubscribed }
func (ErrorMessage) MessageType() string   { return TypeError }
func (Unrecognized) MessageType() string   { return TypeUnrecognized }

// ProtocolError: входящий кадр не соответствует ожидаемому формату.
type ProtocolError struct {
	Type string
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	prefix := "protocol"
	if e.Type != "" {
		prefix += " (" + e.Type + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// envelope: общая обёртка входящего кадра. Полезная нагрузка лежит в
// "data", Kalshi же присылает её в "msg"; читаем оба.
type envelope struct {
	Type string          `json:"type"`
	ID   *int64          `json:"id"`
	SID  *int64          `json:"sid"`
	Data json.RawMessage `json:"data"`
	Msg  json.RawMessage `json:"msg"`
}

func (e envelope) payload() json.RawMessage {
	if !isNull(e.Data) {
		return e.Data
	}
	return e.Msg
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Parse разбирает кадр. Никогда не паникует: любые ошибки формата дают
// Unrecognized с *ProtocolError; skipped равно числу отброшенных уровней стакана.
func Parse(raw string) (msg Message, skipped int) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Unrecognized{Raw: raw, Err: &ProtocolError{Msg: "malformed JSON frame", Err: err}}, 0
	}
	if env.Type == "" {
		return Unrecognized{Raw: raw, Err: &ProtocolError{Msg: "missing type"}}, 0
	}

	fields, err := objectFields(env.payload())
	if env.Type != TypeError && err != nil {
		return Unrecognized{Type: env.Type, Raw: raw, Err: &ProtocolError{Type: env.Type, Msg: "payload is not an object", Err: err}}, 0
	}

	switch env.Type {
	case TypeTicker:
		return parseTicker(fields), 0
	case TypeOrderbookDelta:
		return parseOrderbookDelta(fields)
	case TypeSubscribed:
		s := Subscribed{Channel: stringField(fields, "channel")}
		if env.ID != nil {
			s.ID = *env.ID
		}
		s.SID, _ = intField(fields, "sid")
		if s.SID == 0 && env.SID != nil {
			s.SID = *env.SID
		}
		return s, 0
	case TypeError:
		return parseError(env, fields, raw), 0
	default:
		return Unrecognized{Type: env.Type, Raw: raw}, 0
	}
}

func objectFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if isNull(raw) {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseTicker(f map[string]json.RawMessage) Ticker {
	t := Ticker{MarketTicker: stringField(f, "market_ticker")}
	if t.MarketTicker == "" {
		t.MarketTicker = DefaultMarketTicker
	}
	t.Bid = firstDecimal(f, "bid", "yes_bid")
	t.Ask = firstDecimal(f, "ask", "yes_ask")
	t.LastPrice = firstDecimal(f, "last_price", "price")
	t.Volume, _ = intField(f, "volume")
	return t
}

func parseOrderbookDelta(f map[string]json.RawMessage) (OrderbookDelta, int) {
	d := OrderbookDelta{MarketTicker: stringField(f, "market_ticker")}
	var skippedBids, skippedAsks int
	d.Bids, skippedBids = levels(f["bids"])
	d.Asks, skippedAsks = levels(f["asks"])
	return d, skippedBids + skippedAsks
}

// levels разбирает [[price, size], ...]; некорректные пары пропускаются.
func levels(raw json.RawMessage) ([]Level, int) {
	if isNull(raw) {
		return nil, 0
	}
	var pairs []json.RawMessage
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, 1
	}
	out := make([]Level, 0, len(pairs))
	skipped := 0
	for _, p := range pairs {
		var pair []json.RawMessage
		if err := json.Unmarshal(p, &pair); err != nil || len(pair) != 2 {
			skipped++
			continue
		}
		price, ok := parseDecimal(pair[0])
		if !ok {
			skipped++
			continue
		}
		size, ok := parseDecimal(pair[1])
		if !ok {
			skipped++
			continue
		}
		n, ok := wholeInt(size)
		if !ok {
			skipped++
			continue
		}
		out = append(out, Level{Price: price, Size: n})
	}
	return out, skipped
}

func parseError(env envelope, f map[string]json.RawMessage, raw string) ErrorMessage {
	e := ErrorMessage{Raw: raw}
	if env.ID != nil {
		e.ID = *env.ID
	}
	payload := env.payload()
	if f != nil {
		e.Code, _ = intField(f, "code")
		e.Message = stringField(f, "msg")
		if e.Message == "" {
			e.Message = stringField(f, "message")
		}
	} else {
		var s string
		if json.Unmarshal(payload, &s) == nil {
			e.Message = s
		}
	}
	if e.Message == "" {
		if !isNull(payload) {
			e.Message = string(bytes.TrimSpace(payload))
		} else {
			e.Message = raw
		}
	}
	return e
}

func stringField(f map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := f[key]; ok && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

// parseDecimal принимает число или число в строке.
func parseDecimal(raw json.RawMessage) (decimal.Decimal, bool) {
	if isNull(raw) {
		return decimal.Zero, false
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func firstDecimal(f map[string]json.RawMessage, keys ...string) decimal.Decimal {
	for _, k := range keys {
		if d, ok := parseDecimal(f[k]); ok {
			return d
		}
	}
	return decimal.Zero
}

func intField(f map[string]json.RawMessage, key string) (int64, bool) {
	d, ok := parseDecimal(f[key])
	if !ok {
		return 0, false
	}
	return wholeInt(d)
}

// wholeInt отвергает дробные значения и выходящие за int64.
func wholeInt(d decimal.Decimal) (int64, bool) {
	if !d.IsInteger() || !d.BigInt().IsInt64() {
		return 0, false
	}
	return d.IntPart(), true
}
