// Package transport описывает дуплексный поток поверх WebSocket и его
// реализацию на gorilla/websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Коды закрытия, которые транспорт сообщает в HandleClose помимо кодов
// из close-фрейма сервера.
const (
	// CodeClientStopped: локальная остановка через Close().
	CodeClientStopped = 1000
	// CodeTransportError: ошибка сокета, handshake или обрыв без close-фрейма.
	CodeTransportError = -1

	ReasonClientStopped = "client stopped"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyStarted = errors.New("transport already started")
	ErrNilHandler     = errors.New("handler is nil")
)

// Handler получает события транспорта. Все методы вызываются из одной
// рабочей горутины в порядке поступления; HandleClose вызывается ровно
// один раз и всегда последним.
type Handler interface {
	HandleOpen()
	HandleMessage(text string)
	HandleClose(code int, reason string)
}

// Transport: одноразовое подключение. Send и Close безопасны для вызова
// из любых горутин, кроме методов Handler (Close ждёт рабочую горутину).
type Transport interface {
	// Connect запускает рабочую горутину и возвращается сразу. Ошибки
	// dial/handshake приходят через HandleClose(CodeTransportError, ...).
	Connect(ctx context.Context, url string, header http.Header, h Handler) error
	Send(text string) error
	Close() error
	IsConnected() bool
}

// HandlerFuncs адаптирует три функции к Handler. Nil-поля игнорируются.
type HandlerFuncs struct {
	OnOpen    func()
	OnMessage func(text string)
	OnClose   func(code int, reason string)
}

func (f HandlerFuncs) HandleOpen() {
	if f.OnOpen != nil {
		f.OnOpen()
	}
}

func (f HandlerFuncs) HandleMessage(text string) {
	if f.OnMessage != nil {
		f.OnMessage(text)
	}
}

func (f HandlerFuncs) HandleClose(code int, reason string) {
	if f.OnClose != nil {
		f.OnClose(code, reason)
	}
}

// Error: ошибка транспортного уровня.
type Error struct {
	Op  string // "connect" | "send" | "close"
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }
