// Package wstransport implements control.Transport over a WebSocket connection.
//
// The device first reports {"status":"connecting"} frames, the client answers with its
// auth token, and the device confirms with {"status":"connected"}. These handshake
// frames are translated into connecting and connected events; every later frame is
// delivered as a message event.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arloliu/go-beamctl/control"
	"github.com/arloliu/go-beamctl/internal/taskmgr"
	"github.com/arloliu/go-beamctl/logger"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrNotOpen is returned by Send before the connection is established.
	ErrNotOpen = errors.New("wstransport: connection is not open")
	// ErrClosed is returned once the transport was closed.
	ErrClosed = errors.New("wstransport: transport closed")
)

// Transport is a WebSocket control.Transport. A Transport is opened once.
type Transport struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	pingInterval time.Duration
	writeTimeout time.Duration
	handshake    bool
	logger       logger.Logger

	tasks *taskmgr.TaskManager

	mu      sync.Mutex // protects conn and handler
	conn    *websocket.Conn
	handler control.EventHandler

	writeMu sync.Mutex // serializes writers

	opened    atomic.Bool
	closed    atomic.Bool
	connected atomic.Bool
}

var _ control.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithHeader sets the HTTP header of the upgrade request.
func WithHeader(h http.Header) Option {
	return func(t *Transport) { t.header = h }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithPingInterval sets the keep-alive ping interval; zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(t *Transport) { t.pingInterval = d }
}

// WithWriteTimeout sets the deadline of every write.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) { t.writeTimeout = d }
}

// WithHandshake enables or disables the connecting/connected status handshake.
// Without it the transport reports connected as soon as the socket is open.
func WithHandshake(enabled bool) Option {
	return func(t *Transport) { t.handshake = enabled }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a Transport for the ws:// or wss:// url.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:          url,
		dialer:       websocket.DefaultDialer,
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
		handshake:    true,
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.logger = t.logger.With("url", url)
	t.tasks = taskmgr.New(context.Background(), t.logger)

	return t
}

// Open dials the device in the background and reports progress to handler.
func (t *Transport) Open(ctx context.Context, handler control.EventHandler) error {
	if t.closed.Load() {
		return ErrClosed
	}

	if !t.opened.CompareAndSwap(false, true) {
		return errors.New("wstransport: already opened")
	}

	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()

	return t.tasks.Start("dial", func() bool {
		t.dial(ctx)
		return false
	}, nil)
}

func (t *Transport) dial(ctx context.Context) {
	t.emit(control.Event{Kind: control.EventConnecting})

	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.logger.Error("dial failed", "error", err)
		t.emit(control.Event{Kind: control.EventFatal, Err: err})

		return
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = conn.Close()

		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Info("websocket open")
	t.emit(control.Event{Kind: control.EventOpen})

	if !t.handshake {
		t.markConnected()
	}

	if err := t.tasks.Start("reader", t.readOnce, t.onReaderExit); err != nil {
		t.logger.Error("start reader failed", "error", err)
		return
	}

	if t.pingInterval > 0 {
		if _, err := t.tasks.StartInterval("ping", t.ping, t.pingInterval, false); err != nil {
			t.logger.Warn("start keep-alive failed", "error", err)
		}
	}
}

func (t *Transport) markConnected() {
	if t.connected.CompareAndSwap(false, true) {
		t.emit(control.Event{Kind: control.EventConnected})
	}
}

// readOnce reads one frame. It returns false when the connection is gone.
func (t *Transport) readOnce() bool {
	conn := t.getConn()
	if conn == nil {
		return false
	}

	mt, data, err := conn.ReadMessage()
	if err != nil {
		if !t.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			t.logger.Warn("websocket read failed", "error", err)
			t.emit(control.Event{Kind: control.EventError, Err: err})
		}

		return false
	}

	binary := mt == websocket.BinaryMessage
	if !binary && !t.connected.Load() && t.handleHandshake(data) {
		return true
	}

	t.emit(control.Event{Kind: control.EventMessage, Data: data, Binary: binary})

	return true
}

// handleHandshake translates connecting/connected status frames. It returns false for
// frames that are not part of the handshake.
func (t *Transport) handleHandshake(data []byte) bool {
	var frame struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return false
	}

	switch frame.Status {
	case "connecting":
		t.emit(control.Event{Kind: control.EventConnecting})
		return true
	case "connected":
		t.markConnected()
		return true
	default:
		return false
	}
}

func (t *Transport) onReaderExit() {
	t.tasks.Stop()

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	t.connected.Store(false)
	t.logger.Info("websocket closed")
	t.emit(control.Event{Kind: control.EventClose})
}

func (t *Transport) ping() bool {
	conn := t.getConn()
	if conn == nil {
		return false
	}

	deadline := time.Now().Add(t.writeTimeout)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		t.logger.Debug("ping failed", "error", err)
		return false
	}

	return true
}

// Send writes one frame.
func (t *Transport) Send(data []byte, binary bool) error {
	if t.closed.Load() {
		return ErrClosed
	}

	conn := t.getConn()
	if conn == nil {
		return ErrNotOpen
	}

	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}

	if err := conn.WriteMessage(mt, data); err != nil {
		return fmt.Errorf("wstransport: write: %w", err)
	}

	return nil
}

// Close sends a close frame and closes the connection. The reader goroutine emits the
// close event once it observes the closed socket.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	conn := t.getConn()
	if conn == nil {
		t.tasks.Stop()
		return nil
	}

	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()

	return conn.Close()
}

// Wait blocks until the transport goroutines returned.
func (t *Transport) Wait() {
	t.tasks.Wait()
}

func (t *Transport) getConn() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn
}

func (t *Transport) emit(ev control.Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()

	if h != nil {
		h(ev)
	}
}
