// Package session подписывается на каналы Kalshi поверх Connection и
// раскладывает входящие кадры по типизированным обработчикам.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/kalshi-stream/internal/connection"
	"github.com/YaganovValera/kalshi-stream/internal/metrics"
	"github.com/YaganovValera/kalshi-stream/pkg/backoff"
	"github.com/YaganovValera/kalshi-stream/pkg/kalshi/auth"
	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

var tracer = otel.Tracer("kalshi/session")

var (
	ErrStopped    = errors.New("session: stopped")
	ErrNoChannels = errors.New("session: subscribe requires at least one channel")
)

// Conn: то, что Session требует от подключения. Реализуется *connection.Connection.
type Conn interface {
	ID() string
	Connect(ctx context.Context) error
	Send(text string) error
	Close() error
	State() connection.State
	OnOpen(fn func())
	OnMessage(fn func(text string))
	OnClose(fn func(code int, reason string))
	Opened() <-chan struct{}
	Done() <-chan struct{}
	CloseInfo() connection.CloseInfo
}

var _ Conn = (*connection.Connection)(nil)

// Dialer создаёт новое подключение в состоянии Idle. Вызывается на каждый
// старт, в том числе при переподключении.
type Dialer func() Conn

// ReconnectConfig: переподключение после обрыва. По умолчанию выключено:
// Run завершается при первом закрытии.
type ReconnectConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

// Config: настройки подписки.
type Config struct {
	Channels     []string        `mapstructure:"channels"`
	MarketTicker string          `mapstructure:"market_ticker"`
	Reconnect    ReconnectConfig `mapstructure:"reconnect"`
}

// Subscription: отправленная команда subscribe.
type Subscription struct {
	ID           int64
	Channels     []string
	MarketTicker string
	// SIDs: идентификаторы подписок сервера по каналам, из кадров subscribed.
	SIDs map[string]int64
}

// Acked сообщает, подтверждены ли все каналы подписки.
func (s Subscription) Acked() bool {
	for _, ch := range s.Channels {
		if _, ok := s.SIDs[ch]; !ok {
			return false
		}
	}
	return true
}

type subscribeParams struct {
	Channels     []string `json:"channels"`
	MarketTicker string   `json:"market_ticker,omitempty"`
}

type command struct {
	ID     int64           `json:"id"`
	Cmd    string          `json:"cmd"`
	Params subscribeParams `json:"params"`
}

// Session: см. описание пакета.
type Session struct {
	cfg     Config
	dial    Dialer
	handler Handler
	log     *logger.Logger

	nextID atomic.Int64 // последний выданный id; не сбрасывается

	mu   sync.Mutex
	conn Conn
	subs []*Subscription

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New создаёт Session. handler может быть nil.
func New(cfg Config, dial Dialer, handler Handler, log *logger.Logger) *Session {
	if handler == nil {
		handler = HandlerFuncs{}
	}
	return &Session{
		cfg:     cfg,
		dial:    dial,
		handler: handler,
		log:     log.Named("session"),
		stopCh:  make(chan struct{}),
	}
}

// Start создаёт подключение, регистрирует обработчики и запускает его.
// Начальные подписки отправляются при открытии.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.conn != nil && s.conn.State() != connection.Closed {
		state := s.conn.State()
		s.mu.Unlock()
		metrics.UsageErrors.WithLabelValues("start").Inc()
		return &connection.UsageError{Op: "start", State: state, Err: connection.ErrAlreadyConnected}
	}
	conn := s.dial()
	s.conn = conn
	s.subs = nil
	s.mu.Unlock()

	ctx = logger.ContextWithConnectionID(ctx, conn.ID())
	conn.OnOpen(func() { s.subscribeInitial() })
	conn.OnMessage(func(text string) { s.Dispatch(ctx, text) })
	conn.OnClose(func(code int, reason string) {
		s.log.WithContext(ctx).Info("connection closed",
			zap.Int("code", code),
			zap.String("reason", reason),
		)
	})

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}
	return nil
}

// Run запускает сессию и ждёт её завершения. Ошибка подписи при первом
// старте возвращается; остановка клиентом или отмена ctx дают nil.
// При выключенном переподключении закрытие со стороны сети или сервера
// завершает Run без ошибки.
func (s *Session) Run(ctx context.Context) error {
	err := s.Start(ctx)
	if err != nil {
		var se *auth.SigningError
		if errors.As(err, &se) || errors.Is(err, ErrStopped) || !s.cfg.Reconnect.Enabled {
			return err
		}
		s.log.Warn("initial connect failed", zap.Error(err))
		if err := s.reconnect(ctx); err != nil {
			return s.runResult(err)
		}
	}

	for {
		conn := s.current()
		select {
		case <-ctx.Done():
			_ = s.Stop()
			return nil
		case <-s.stopCh:
			<-conn.Done()
			return nil
		case <-conn.Done():
		}

		info := conn.CloseInfo()
		if info.Kind == connection.KindClientStopped || s.stopped.Load() {
			return nil
		}
		if !s.cfg.Reconnect.Enabled {
			s.log.Warn("connection lost, reconnect disabled",
				zap.Int("code", info.Code),
				zap.String("reason", info.Reason),
			)
			return nil
		}
		s.log.Warn("connection lost, reconnecting",
			zap.Int("code", info.Code),
			zap.String("reason", info.Reason),
		)
		if err := s.reconnect(ctx); err != nil {
			return s.runResult(err)
		}
	}
}

// runResult: остановка клиентом и отмена ожидания не ошибки.
func (s *Session) runResult(err error) error {
	if errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reconnect повторяет Start с экспоненциальной задержкой, пока новое
// подключение не откроется. Ошибки подписи не повторяются, Stop прерывает
// и попытку, и ожидание между попытками.
func (s *Session) reconnect(ctx context.Context) error {
	cfg := s.cfg.Reconnect.Backoff
	// подключение живёт дольше одной попытки
	cfg.PerAttemptTimeout = 0

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	return backoff.Execute(waitCtx, "reconnect", cfg, s.log, func(attemptCtx context.Context) error {
		if s.stopped.Load() {
			return backoff.Permanent(ErrStopped)
		}
		// новое подключение привязано к ctx Run, а не к ожиданию
		if err := s.Start(ctx); err != nil {
			var se *auth.SigningError
			if errors.As(err, &se) || errors.Is(err, ErrStopped) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn := s.current()
		select {
		case <-conn.Opened():
			return nil
		case <-conn.Done():
			return fmt.Errorf("session: closed before open: %s", conn.CloseInfo().Reason)
		case <-s.stopCh:
			return backoff.Permanent(ErrStopped)
		case <-attemptCtx.Done():
			return attemptCtx.Err()
		}
	})
}

// Stop останавливает сессию и текущее подключение. Идемпотентен.
// Нельзя вызывать из обработчиков.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
	})
	if conn := s.current(); conn != nil {
		return conn.Close()
	}
	return nil
}

// Ready возвращает nil, если текущее подключение открыто.
func (s *Session) Ready() error {
	conn := s.current()
	if conn == nil {
		return fmt.Errorf("session: not started: %w", connection.ErrNotConnected)
	}
	if st := conn.State(); st != connection.Open {
		return fmt.Errorf("session: connection %s: %w", st, connection.ErrNotConnected)
	}
	return nil
}

// Subscriptions возвращает копии подписок текущего подключения.
func (s *Session) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		cp := *sub
		cp.Channels = append([]string(nil), sub.Channels...)
		cp.SIDs = make(map[string]int64, len(sub.SIDs))
		for k, v := range sub.SIDs {
			cp.SIDs[k] = v
		}
		out = append(out, cp)
	}
	return out
}

func (s *Session) current() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Subscribe отправляет команду subscribe и возвращает её id.
// Вне Open возвращает *connection.UsageError, id при этом не расходуется.
func (s *Session) Subscribe(channels []string, marketTicker string) (int64, error) {
	if len(channels) == 0 {
		return 0, ErrNoChannels
	}

	conn := s.current()
	state := connection.Idle
	if conn != nil {
		state = conn.State()
	}
	if state != connection.Open {
		metrics.UsageErrors.WithLabelValues("subscribe").Inc()
		metrics.SubscribeRequests.WithLabelValues("rejected").Inc()
		err := &connection.UsageError{Op: "subscribe", State: state, Err: connection.ErrNotConnected}
		s.log.Warn("subscribe rejected", zap.Strings("channels", channels), zap.Error(err))
		return 0, err
	}

	id := s.nextID.Add(1)
	sub := &Subscription{
		ID:           id,
		Channels:     append([]string(nil), channels...),
		MarketTicker: marketTicker,
		SIDs:         map[string]int64{},
	}
	body, err := json.Marshal(command{
		ID:     id,
		Cmd:    "subscribe",
		Params: subscribeParams{Channels: sub.Channels, MarketTicker: marketTicker},
	})
	if err != nil {
		metrics.SubscribeRequests.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("session: marshal subscribe: %w", err)
	}

	// регистрируем до отправки: подтверждение может прийти раньше возврата из Send
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	if err := conn.Send(string(body)); err != nil {
		s.dropSubscription(id)
		metrics.SubscribeRequests.WithLabelValues("error").Inc()
		s.log.Warn("subscribe send failed", zap.Int64("id", id), zap.Error(err))
		return 0, fmt.Errorf("session: subscribe: %w", err)
	}

	metrics.SubscribeRequests.WithLabelValues("sent").Inc()
	s.log.Info("subscribe sent",
		zap.Int64("id", id),
		zap.Strings("channels", channels),
		zap.String("market_ticker", marketTicker),
	)
	return id, nil
}

func (s *Session) dropSubscription(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.ID == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Session) subscribeInitial() {
	for _, req := range initialRequests(s.cfg.Channels, s.cfg.MarketTicker, s.log) {
		if _, err := s.Subscribe(req.Channels, req.MarketTicker); err != nil {
			s.log.Error("initial subscribe failed", zap.Strings("channels", req.Channels), zap.Error(err))
		}
	}
}

// ack сопоставляет подтверждение с подпиской по id, а без id по каналу.
func (s *Session) ack(a Subscribed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if a.ID != 0 && sub.ID != a.ID {
			continue
		}
		for _, ch := range sub.Channels {
			if ch != a.Channel {
				continue
			}
			if _, done := sub.SIDs[ch]; done && a.ID == 0 {
				continue
			}
			sub.SIDs[ch] = a.SID
			return
		}
	}
}

// Dispatch разбирает кадр и вызывает обработчик. Никогда не паникует:
// паника обработчика перехватывается и логируется.
func (s *Session) Dispatch(ctx context.Context, raw string) Message {
	start := time.Now()
	msg, skipped := Parse(raw)

	ctx, span := tracer.Start(ctx, "session.Dispatch",
		trace.WithAttributes(attribute.String("message_type", msg.MessageType())))
	defer span.End()
	log := s.log.WithContext(ctx)

	metrics.Messages.WithLabelValues(msg.MessageType()).Inc()
	switch m := msg.(type) {
	case Unrecognized:
		if m.Err != nil {
			metrics.ParseErrors.Inc()
			span.RecordError(m.Err)
			log.Warn("protocol error, frame dropped", zap.Error(m.Err), zap.String("raw", clip(raw, 256)))
		} else {
			log.Debug("unrecognized message type", zap.String("type", m.Type))
		}
	case Subscribed:
		s.ack(m)
		log.Info("subscribed", zap.Int64("id", m.ID), zap.String("channel", m.Channel), zap.Int64("sid", m.SID))
	case ErrorMessage:
		log.Warn("server error", zap.Int64("id", m.ID), zap.Int64("code", m.Code), zap.String("message", m.Message))
	}
	if skipped > 0 {
		log.Warn("malformed orderbook levels skipped", zap.Int("skipped", skipped))
	}

	s.route(ctx, msg)
	metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	return msg
}

func (s *Session) route(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithContext(ctx).Error("panic recovered in handler",
				zap.String("type", msg.MessageType()),
				zap.Any("error", r),
			)
		}
	}()
	route(ctx, s.handler, msg)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
