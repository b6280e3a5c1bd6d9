// pkg/kalshi/transport/ws.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

const handshakeBodyLimit = 256

// Config задаёт сокетные таймауты. Ядро их не интерпретирует, только
// передаёт сюда.
type Config struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"` // таймаут dial + upgrade
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`      // 0 → без ReadDeadline
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`     // WriteDeadline для Send и control-фреймов
	PingInterval     time.Duration `mapstructure:"ping_interval"`     // 0 → ping не отправляется
	ReadLimit        int64         `mapstructure:"read_limit"`        // 0 → без ограничения
}

// ApplyDefaults заполняет нулевые поля.
func (c *Config) ApplyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Validate проверяет значения.
func (c Config) Validate() error {
	switch {
	case c.ReadTimeout < 0:
		return fmt.Errorf("transport: read_timeout must be ≥ 0")
	case c.PingInterval < 0:
		return fmt.Errorf("transport: ping_interval must be ≥ 0")
	case c.ReadTimeout > 0 && c.PingInterval >= c.ReadTimeout:
		return fmt.Errorf("transport: ping_interval must be < read_timeout")
	case c.ReadLimit < 0:
		return fmt.Errorf("transport: read_limit must be ≥ 0")
	default:
		return nil
	}
}

// WS: Transport поверх gorilla/websocket. Экземпляр одноразовый.
type WS struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *logger.Logger

	mu      sync.Mutex // conn, cancel, started
	conn    *websocket.Conn
	cancel  context.CancelFunc
	started bool
	done    chan struct{}

	writeMu   sync.Mutex // gorilla допускает одного писателя данных
	connected atomic.Bool
	stopping  atomic.Bool
}

var _ Transport = (*WS)(nil)

// NewWS создаёт транспорт.
func NewWS(cfg Config, log *logger.Logger) *WS {
	cfg.ApplyDefaults()
	return &WS{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:  log.Named("ws"),
		done: make(chan struct{}),
	}
}

// Connect запускает рабочую горутину: dial → HandleOpen → цикл чтения → HandleClose.
func (w *WS) Connect(ctx context.Context, url string, header http.Header, h Handler) error {
	if h == nil {
		return &Error{Op: "connect", Err: ErrNilHandler}
	}
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return &Error{Op: "connect", Err: ErrAlreadyStarted}
	}
	w.started = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(runCtx, url, header, h)
	return nil
}

func (w *WS) run(ctx context.Context, url string, header http.Header, h Handler) {
	defer close(w.done)
	defer w.connected.Store(false)

	conn, resp, err := w.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil && err == nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if w.stopped(ctx) {
			h.HandleClose(CodeClientStopped, ReasonClientStopped)
			return
		}
		reason := handshakeReason(resp, err)
		w.log.Warn("ws: dial failed", zap.String("url", url), zap.String("reason", reason))
		h.HandleClose(CodeTransportError, reason)
		return
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer conn.Close()

	// Close() мог прийти во время dial.
	if w.stopped(ctx) {
		h.HandleClose(CodeClientStopped, ReasonClientStopped)
		return
	}

	w.configure(conn)
	w.connected.Store(true)
	w.log.Info("ws: connected", zap.String("url", url))

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	go func() {
		// разблокирует ReadMessage при отмене ctx
		<-connCtx.Done()
		_ = conn.Close()
	}()
	if w.cfg.PingInterval > 0 {
		go w.pingLoop(connCtx, conn)
	}

	h.HandleOpen()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			w.connected.Store(false)
			code, reason := w.classify(ctx, err)
			w.log.Info("ws: closed", zap.Int("code", code), zap.String("reason", reason))
			h.HandleClose(code, reason)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		h.HandleMessage(string(data))
	}
}

func (w *WS) configure(conn *websocket.Conn) {
	if w.cfg.ReadLimit > 0 {
		conn.SetReadLimit(w.cfg.ReadLimit)
	}
	extend := func() {
		if w.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(w.cfg.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
}

func (w *WS) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteTimeout)); err != nil {
				w.log.Warn("ws: ping failed", zap.Error(err))
			}
		}
	}
}

func (w *WS) stopped(ctx context.Context) bool {
	return w.stopping.Load() || ctx.Err() != nil
}

// classify превращает ошибку чтения в (code, reason) для HandleClose.
func (w *WS) classify(ctx context.Context, err error) (int, string) {
	if w.stopped(ctx) {
		return CodeClientStopped, ReasonClientStopped
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		// 1006 не передаётся по сети: это обрыв без close-фрейма.
		if ce.Code == websocket.CloseAbnormalClosure {
			return CodeTransportError, "abnormal closure: " + ce.Text
		}
		return ce.Code, ce.Text
	}
	return CodeTransportError, err.Error()
}

func handshakeReason(resp *http.Response, err error) string {
	if resp == nil {
		return "dial: " + err.Error()
	}
	reason := fmt.Sprintf("handshake rejected: HTTP %d", resp.StatusCode)
	if resp.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, handshakeBodyLimit))
		_ = resp.Body.Close()
		if s := strings.TrimSpace(string(body)); s != "" {
			reason += ": " + s
		}
	}
	return reason
}

// Send пишет текстовый фрейм. Вне состояния "подключено" возвращает
// ErrNotConnected без обращения к сокету.
func (w *WS) Send(text string) error {
	if !w.connected.Load() {
		return &Error{Op: "send", Err: ErrNotConnected}
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Close отправляет close-фрейм 1000, останавливает рабочую горутину и
// дожидается её завершения. Повторный вызов безопасен.
func (w *WS) Close() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	first := !w.stopping.Swap(true)
	conn, cancel := w.conn, w.cancel
	w.mu.Unlock()

	if first && conn != nil && w.connected.Load() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, ReasonClientStopped)
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.cfg.WriteTimeout)); err != nil {
			w.log.Debug("ws: close frame not sent", zap.Error(err))
		}
	}
	cancel()
	<-w.done
	return nil
}

// IsConnected сообщает, открыт ли сокет.
func (w *WS) IsConnected() bool { return w.connected.Load() }
