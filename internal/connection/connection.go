// Package connection владеет одним подключением к потоку Kalshi:
// подписывает handshake, запускает транспорт и пробрасывает его события.
//
// Жизненный цикл:
//
//	Idle --Connect--> Connecting --open--> Open --Close/ошибка/remote close--> Closed
//
// Экземпляр одноразовый: после Closed для переподключения создаётся новый.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/kalshi-stream/internal/metrics"
	"github.com/YaganovValera/kalshi-stream/pkg/kalshi/auth"
	"github.com/YaganovValera/kalshi-stream/pkg/kalshi/transport"
	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

var tracer = otel.Tracer("kalshi/connection")

// State: состояние подключения.
type State int32

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Виды закрытия для метрик и логов.
const (
	KindClientStopped  = "client_stopped"
	KindRemoteClose    = "remote_close"
	KindTransportError = "transport_error"
	KindSigningError   = "signing_error"
)

// HeaderSigner выдаёт свежие заголовки handshake на каждую попытку.
type HeaderSigner interface {
	HandshakeHeaders() (auth.Headers, error)
}

// CloseInfo: итог закрытия подключения.
type CloseInfo struct {
	Code   int
	Reason string
	Kind   string
}

// Connection: см. описание пакета. Connect, Send, Close и State
// безопасны для конкурентного вызова; обработчики On* вызываются из
// рабочей горутины транспорта.
type Connection struct {
	id     string
	url    string
	signer HeaderSigner
	tr     transport.Transport
	log    *logger.Logger

	state    atomic.Int32
	stopping atomic.Bool

	lifecycle sync.Mutex // сериализует Connect и Close

	hmu       sync.RWMutex
	onOpen    func()
	onMessage func(text string)
	onClose   func(code int, reason string)

	opened    chan struct{}
	openOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	info      CloseInfo
}

// New создаёт подключение в состоянии Idle.
func New(url string, signer HeaderSigner, tr transport.Transport, log *logger.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:     id,
		url:    url,
		signer: signer,
		tr:     tr,
		log:    log.Named("connection").With(zap.String("connection_id", id)),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ID возвращает уникальный идентификатор подключения.
func (c *Connection) ID() string { return c.id }

// State возвращает текущее состояние.
func (c *Connection) State() State { return State(c.state.Load()) }

// Opened закрывается при переходе в Open.
func (c *Connection) Opened() <-chan struct{} { return c.opened }

// Done закрывается при переходе в Closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// CloseInfo возвращает итог закрытия. Валиден после Done().
func (c *Connection) CloseInfo() CloseInfo {
	<-c.done
	return c.info
}

// OnOpen регистрирует обработчик открытия.
func (c *Connection) OnOpen(fn func()) {
	c.hmu.Lock()
	c.onOpen = fn
	c.hmu.Unlock()
}

// OnMessage регистрирует обработчик сырых текстовых кадров.
func (c *Connection) OnMessage(fn func(text string)) {
	c.hmu.Lock()
	c.onMessage = fn
	c.hmu.Unlock()
}

// OnClose регистрирует обработчик закрытия.
func (c *Connection) OnClose(fn func(code int, reason string)) {
	c.hmu.Lock()
	c.onClose = fn
	c.hmu.Unlock()
}

// Connect подписывает handshake текущим временем и запускает транспорт.
// Ошибка подписи возвращается сразу, транспорт при этом не вызывается.
func (c *Connection) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.state.CompareAndSwap(int32(Idle), int32(Connecting)) {
		err := ErrAlreadyConnected
		if c.State() == Closed {
			err = ErrClosed
		}
		return c.usageError("connect", err)
	}

	_, span := tracer.Start(ctx, "connection.Connect",
		trace.WithAttributes(attribute.String("connection_id", c.id)))
	defer span.End()
	// connection_id уже в c.log, из ctx берём только trace_id
	log := c.log
	if sc := span.SpanContext(); sc.HasTraceID() {
		log = log.With(zap.String("trace_id", sc.TraceID().String()))
	}

	headers, err := c.signer.HandshakeHeaders()
	if err != nil {
		metrics.SigningErrors.Inc()
		metrics.Connects.WithLabelValues("signing_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "signing failed")
		log.Error("handshake signing failed", zap.Error(err))
		c.finish(CloseInfo{Code: transport.CodeTransportError, Reason: "signing failed", Kind: KindSigningError}, false)
		return fmt.Errorf("connection: sign handshake: %w", err)
	}
	log.Debug("handshake headers", zap.Any("headers", headers.Redacted()))

	if err := c.tr.Connect(ctx, c.url, headers.HTTPHeader(), (*events)(c)); err != nil {
		metrics.Connects.WithLabelValues("transport_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport connect failed")
		log.Error("transport connect failed", zap.Error(err))
		c.finish(CloseInfo{Code: transport.CodeTransportError, Reason: "transport error: " + err.Error(), Kind: KindTransportError}, false)
		return fmt.Errorf("connection: %w", err)
	}

	log.Info("connecting", zap.String("url", c.url))
	return nil
}

// Send отправляет текст. Вне Open возвращает UsageError с ErrNotConnected
// и транспорт не вызывает.
func (c *Connection) Send(text string) error {
	if c.State() != Open {
		return c.usageError("send", ErrNotConnected)
	}
	if err := c.tr.Send(text); err != nil {
		c.log.Warn("send failed", zap.Error(err))
		return fmt.Errorf("connection: %w", err)
	}
	return nil
}

// Close останавливает подключение и дожидается рабочей горутины
// транспорта. После возврата никакие обработчики больше не вызываются.
// Нельзя вызывать из обработчиков On*.
func (c *Connection) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	for {
		switch s := c.State(); s {
		case Idle:
			if c.state.CompareAndSwap(int32(Idle), int32(Closed)) {
				c.finish(CloseInfo{Code: transport.CodeClientStopped, Reason: transport.ReasonClientStopped, Kind: KindClientStopped}, false)
				return nil
			}
		case Connecting, Open:
			if !c.state.CompareAndSwap(int32(s), int32(Closing)) {
				continue
			}
			c.stopping.Store(true)
			c.log.Info("closing", zap.Stringer("from", s))
			err := c.tr.Close()
			// транспорт мог не сообщить о закрытии (например, не успел стартовать)
			c.finish(CloseInfo{Code: transport.CodeClientStopped, Reason: transport.ReasonClientStopped, Kind: KindClientStopped}, true)
			if err != nil {
				return fmt.Errorf("connection: %w", err)
			}
			return nil
		default:
			<-c.done
			return nil
		}
	}
}

// finish переводит в Closed ровно один раз; fire, вызывать ли onClose.
func (c *Connection) finish(info CloseInfo, fire bool) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))
		c.info = info
		metrics.Disconnects.WithLabelValues(info.Kind).Inc()
		if fire {
			c.hmu.RLock()
			fn := c.onClose
			c.hmu.RUnlock()
			if fn != nil {
				fn(info.Code, info.Reason)
			}
		}
		close(c.done)
	})
}

func (c *Connection) usageError(op string, err error) error {
	metrics.UsageErrors.WithLabelValues(op).Inc()
	ue := &UsageError{Op: op, State: c.State(), Err: err}
	c.log.Warn("usage error", zap.String("op", op), zap.Stringer("state", ue.State), zap.Error(err))
	return ue
}

// normalize различает остановку клиентом, обрыв транспорта и закрытие сервером.
func (c *Connection) normalize(code int, reason string) CloseInfo {
	switch {
	case c.stopping.Load() || (code == transport.CodeClientStopped && reason == transport.ReasonClientStopped):
		return CloseInfo{Code: transport.CodeClientStopped, Reason: transport.ReasonClientStopped, Kind: KindClientStopped}
	case code == transport.CodeTransportError:
		return CloseInfo{Code: code, Reason: "transport error: " + reason, Kind: KindTransportError}
	case reason == "":
		return CloseInfo{Code: code, Reason: "remote closed", Kind: KindRemoteClose}
	default:
		return CloseInfo{Code: code, Reason: "remote closed: " + reason, Kind: KindRemoteClose}
	}
}

// events реализует transport.Handler поверх Connection.
type events Connection

func (e *events) HandleOpen() {
	c := (*Connection)(e)
	if !c.state.CompareAndSwap(int32(Connecting), int32(Open)) {
		// Close уже в процессе
		return
	}
	metrics.Connects.WithLabelValues("ok").Inc()
	c.log.Info("connected")
	c.openOnce.Do(func() { close(c.opened) })

	c.hmu.RLock()
	fn := c.onOpen
	c.hmu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (e *events) HandleMessage(text string) {
	c := (*Connection)(e)
	c.hmu.RLock()
	fn := c.onMessage
	c.hmu.RUnlock()
	if fn != nil {
		fn(text)
	}
}

func (e *events) HandleClose(code int, reason string) {
	c := (*Connection)(e)
	info := c.normalize(code, reason)
	if info.Kind == KindTransportError && c.State() == Connecting {
		metrics.Connects.WithLabelValues("transport_error").Inc()
	}
	c.log.Info("disconnected",
		zap.Int("code", info.Code),
		zap.String("reason", info.Reason),
		zap.String("kind", info.Kind),
	)
	c.finish(info, true)
}

// Ошибки использования.
var (
	ErrNotConnected     = transport.ErrNotConnected
	ErrAlreadyConnected = errors.New("already connecting or connected")
	ErrClosed           = errors.New("connection is closed; create a new one")
)

// UsageError: вызов в неподходящем состоянии. Сообщается синхронно.
type UsageError struct {
	Op    string
	State State
	Err   error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("connection: %s in state %s: %v", e.Op, e.State, e.Err)
}

func (e *UsageError) Unwrap() error { return e.Err }
