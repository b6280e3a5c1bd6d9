package session

import "context"

// Handler получает типизированные сообщения. Методы вызываются из рабочей
// горутины транспорта по одному, в порядке поступления кадров; долгая
// обработка задерживает следующие кадры.
type Handler interface {
	OnTicker(ctx context.Context, t Ticker)
	OnOrderbookDelta(ctx context.Context, d OrderbookDelta)
	OnSubscribed(ctx context.Context, s Subscribed)
	OnError(ctx context.Context, e ErrorMessage)
	OnUnrecognized(ctx context.Context, u Unrecognized)
}

// HandlerFuncs реализует Handler через необязательные функции.
type HandlerFuncs struct {
	Ticker         func(ctx context.Context, t Ticker)
	OrderbookDelta func(ctx context.Context, d OrderbookDelta)
	Subscribed     func(ctx context.Context, s Subscribed)
	Error          func(ctx context.Context, e ErrorMessage)
	Unrecognized   func(ctx context.Context, u Unrecognized)
}

var _ Handler = HandlerFuncs{}

func (h HandlerFuncs) OnTicker(ctx context.Context, t Ticker) {
	if h.Ticker != nil {
		h.Ticker(ctx, t)
	}
}

func (h HandlerFuncs) OnOrderbookDelta(ctx context.Context, d OrderbookDelta) {
	if h.OrderbookDelta != nil {
		h.OrderbookDelta(ctx, d)
	}
}

func (h HandlerFuncs) OnSubscribed(ctx context.Context, s Subscribed) {
	if h.Subscribed != nil {
		h.Subscribed(ctx, s)
	}
}

func (h HandlerFuncs) OnError(ctx context.Context, e ErrorMessage) {
	if h.Error != nil {
		h.Error(ctx, e)
	}
}

func (h HandlerFuncs) OnUnrecognized(ctx context.Context, u Unrecognized) {
	if h.Unrecognized != nil {
		h.Unrecognized(ctx, u)
	}
}

// Multi рассылает каждое сообщение всем обработчикам по порядку.
type Multi []Handler

var _ Handler = Multi(nil)

func (m Multi) OnTicker(ctx context.Context, t Ticker) {
	for _, h := range m {
		h.OnTicker(ctx, t)
	}
}

func (m Multi) OnOrderbookDelta(ctx context.Context, d OrderbookDelta) {
	for _, h := range m {
		h.OnOrderbookDelta(ctx, d)
	}
}

func (m Multi) OnSubscribed(ctx context.Context, s Subscribed) {
	for _, h := range m {
		h.OnSubscribed(ctx, s)
	}
}

func (m Multi) OnError(ctx context.Context, e ErrorMessage) {
	for _, h := range m {
		h.OnError(ctx, e)
	}
}

func (m Multi) OnUnrecognized(ctx context.Context, u Unrecognized) {
	for _, h := range m {
		h.OnUnrecognized(ctx, u)
	}
}

// route вызывает метод Handler, соответствующий типу сообщения.
func route(ctx context.Context, h Handler, msg Message) {
	switch m := msg.(type) {
	case Ticker:
		h.OnTicker(ctx, m)
	case OrderbookDelta:
		h.OnOrderbookDelta(ctx, m)
	case Subscribed:
		h.OnSubscribed(ctx, m)
	case ErrorMessage:
		h.OnError(ctx, m)
	case Unrecognized:
		h.OnUnrecognized(ctx, m)
	}
}
