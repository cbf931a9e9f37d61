package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wsHandle wraps one gorilla/websocket connection as a ConnectionHandle,
// serializing writes (gorilla/websocket requires at most one concurrent
// writer per connection) and fanning reads out to the registered
// onMessage callback.
type wsHandle struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	onMsg   func([]byte)
	onClose func(error)
	closed  chan struct{}
	once    sync.Once
}

func (h *wsHandle) Close(reason string) error {
	var err error
	h.once.Do(func() {
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		err = h.conn.Close()
		close(h.closed)
	})
	return err
}

func (h *wsHandle) readLoop(log *slog.Logger) {
	for {
		_, payload, err := h.conn.ReadMessage()
		if err != nil {
			if h.onClose != nil {
				h.onClose(err)
			}
			return
		}
		if h.onMsg != nil {
			h.onMsg(payload)
		}
	}
}

// WSAdapter implements Port over gorilla/websocket for the client
// (replica) side: Connect dials out to a synckitd server.
type WSAdapter struct {
	log    *slog.Logger
	dialer *websocket.Dialer
}

// NewWSAdapter creates a client-side websocket Port. log may be nil.
func NewWSAdapter(log *slog.Logger) *WSAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &WSAdapter{log: log, dialer: websocket.DefaultDialer}
}

func (a *WSAdapter) Connect(ctx context.Context, serverURL string, creds Credentials) (ConnectionHandle, error) {
	header := http.Header{}
	for k, v := range creds {
		header.Set(k, v)
	}
	conn, _, err := a.dialer.DialContext(ctx, serverURL, header)
	if err != nil {
		return nil, errors.Wrap(err, "transport: websocket dial")
	}
	h := &wsHandle{conn: conn, closed: make(chan struct{})}
	go h.readLoop(a.log)
	return h, nil
}

func (a *WSAdapter) Send(handle ConnectionHandle, b []byte) error {
	h := handle.(*wsHandle)
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(DefaultSendTimeoutSeconds * time.Second))
	return h.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (a *WSAdapter) OnMessage(handle ConnectionHandle, fn func(b []byte)) {
	handle.(*wsHandle).onMsg = fn
}

func (a *WSAdapter) OnClose(handle ConnectionHandle, fn func(reason error)) {
	handle.(*wsHandle).onClose = fn
}

// WSServer is the server-side counterpart: it upgrades incoming HTTP
// requests to websocket connections and hands each a ConnectionHandle
// through onAccept, letting cmd/synckitd hand each connection to its
// server.Hub.
type WSServer struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	onAccept func(handle ConnectionHandle, r *http.Request)
}

// NewWSServer creates a server-side websocket upgrade handler. onAccept
// is invoked once per accepted connection, after the read loop has
// started.
func NewWSServer(log *slog.Logger, onAccept func(handle ConnectionHandle, r *http.Request)) *WSServer {
	if log == nil {
		log = slog.Default()
	}
	return &WSServer{
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		onAccept: onAccept,
	}
}

// ServeHTTP implements http.Handler.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("transport: websocket upgrade failed", "err", err)
		return
	}
	h := &wsHandle{conn: conn, closed: make(chan struct{})}
	go h.readLoop(s.log)
	if s.onAccept != nil {
		s.onAccept(h, r)
	}
}

// Send implements the same outbound call shape as WSAdapter so server-
// side code can share one call site with client-side code.
func (s *WSServer) Send(handle ConnectionHandle, b []byte) error {
	h := handle.(*wsHandle)
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(DefaultSendTimeoutSeconds * time.Second))
	return h.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (s *WSServer) OnMessage(handle ConnectionHandle, fn func(b []byte)) {
	handle.(*wsHandle).onMsg = fn
}

func (s *WSServer) OnClose(handle ConnectionHandle, fn func(reason error)) {
	handle.(*wsHandle).onClose = fn
}
