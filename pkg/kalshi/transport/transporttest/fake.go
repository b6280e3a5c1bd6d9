// Package transporttest содержит управляемую подмену transport.Transport
// для тестов Connection и Session.
package transporttest

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/YaganovValera/kalshi-stream/pkg/kalshi/transport"
)

// Fake записывает вызовы и позволяет вручную генерировать события.
// События доставляются синхронно в вызывающей горутине.
type Fake struct {
	// AutoOpen: вызывать HandleOpen прямо из Connect.
	AutoOpen bool
	// ConnectErr возвращается из Connect, если задан.
	ConnectErr error
	// SendErr возвращается из Send, если задан.
	SendErr error
	// OnSend вызывается после записи отправленного текста.
	OnSend func(f *Fake, text string)

	mu           sync.Mutex
	handler      transport.Handler
	url          string
	header       http.Header
	sent         []string
	connectCalls int
	sendCalls    int
	closeCalls   int

	connected atomic.Bool
}

var _ transport.Transport = (*Fake)(nil)

func (f *Fake) Connect(_ context.Context, url string, header http.Header, h transport.Handler) error {
	f.mu.Lock()
	f.connectCalls++
	if f.ConnectErr != nil {
		f.mu.Unlock()
		return f.ConnectErr
	}
	f.url, f.header, f.handler = url, header, h
	f.mu.Unlock()

	if f.AutoOpen {
		f.Open()
	}
	return nil
}

func (f *Fake) Send(text string) error {
	f.mu.Lock()
	f.sendCalls++
	if !f.connected.Load() {
		f.mu.Unlock()
		return &transport.Error{Op: "send", Err: transport.ErrNotConnected}
	}
	if f.SendErr != nil {
		f.mu.Unlock()
		return &transport.Error{Op: "send", Err: f.SendErr}
	}
	f.sent = append(f.sent, text)
	hook := f.OnSend
	f.mu.Unlock()

	if hook != nil {
		hook(f, text)
	}
	return nil
}

// Close эмулирует локальную остановку: HandleClose(1000, "client stopped").
func (f *Fake) Close() error {
	f.mu.Lock()
	f.closeCalls++
	h := f.handler
	f.handler = nil
	f.mu.Unlock()

	f.connected.Store(false)
	if h != nil {
		h.HandleClose(transport.CodeClientStopped, transport.ReasonClientStopped)
	}
	return nil
}

func (f *Fake) IsConnected() bool { return f.connected.Load() }

// Open генерирует событие открытия.
func (f *Fake) Open() {
	f.connected.Store(true)
	if h := f.current(); h != nil {
		h.HandleOpen()
	}
}

// Deliver генерирует входящий кадр.
func (f *Fake) Deliver(text string) {
	if h := f.current(); h != nil {
		h.HandleMessage(text)
	}
}

// Drop генерирует закрытие со стороны сети или сервера.
func (f *Fake) Drop(code int, reason string) {
	f.mu.Lock()
	h := f.handler
	f.handler = nil
	f.mu.Unlock()

	f.connected.Store(false)
	if h != nil {
		h.HandleClose(code, reason)
	}
}

func (f *Fake) current() transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// Sent возвращает копию отправленных текстов.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Header возвращает заголовки последнего Connect.
func (f *Fake) Header() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.header
}

// URL возвращает адрес последнего Connect.
func (f *Fake) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *Fake) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *Fake) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *Fake) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}
