package control

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-beamctl/logger"
)

// killCommand asks the device side channel process to terminate.
const killCommand = "killself"

// Session owns the command protocol of one device.
//
// All public operations are scheduled on the session's TaskQueue. Mode specific
// operations check the mode before queuing and fail with ErrModeMismatch without
// any transport traffic.
type Session struct {
	id        string
	cfg       *SessionConfig
	logger    logger.Logger
	transport Transport
	aux       *Session

	tasks  *TaskQueue
	router *router
	state  atomicConnState

	// mu protects the protocol state below.
	mu              sync.Mutex
	mode            Mode
	lineCheck       bool
	lineNumber      int
	cartridgeTaskID int64

	handlersMu sync.RWMutex
	handlers   []EventHandler

	metrics SessionMetrics
}

// NewSession creates a Session for the device identified by id over transport.
func NewSession(id string, transport Transport, opts ...SessionOption) (*Session, error) {
	if transport == nil {
		return nil, errors.New("control: transport is nil")
	}

	cfg, err := NewSessionConfig(opts...)
	if err != nil {
		return nil, err
	}

	s := newSession(id, transport, cfg)
	if cfg.auxTransport != nil {
		s.aux = newSession(id+"/aux", cfg.auxTransport, cfg.auxConfig())
	}

	return s, nil
}

func newSession(id string, transport Transport, cfg *SessionConfig) *Session {
	s := &Session{
		id:        id,
		cfg:       cfg,
		logger:    cfg.logger.With("device", id),
		transport: transport,
		router:    newRouter(),
	}
	s.tasks = NewTaskQueue(cfg.taskQueueLimit, s.logger, &s.metrics)

	return s
}

// ID returns the device id.
func (s *Session) ID() string {
	return s.id
}

// Config returns the session configuration.
func (s *Session) Config() *SessionConfig {
	return s.cfg
}

// State returns the connection state.
func (s *Session) State() ConnState {
	return s.state.Get()
}

// IsConnected reports whether the device accepts commands.
func (s *Session) IsConnected() bool {
	return s.state.IsConnected()
}

// GetMetrics returns the metrics of the session.
func (s *Session) GetMetrics() *SessionMetrics {
	return &s.metrics
}

// Auxiliary returns the session bound to the auxiliary channel, or nil.
func (s *Session) Auxiliary() *Session {
	return s.aux
}

// Tasks returns the task queue of the session.
func (s *Session) Tasks() *TaskQueue {
	return s.tasks
}

// AddEventHandler adds handlers invoked for connection level events
// (connecting, open, connected, error, fatal, close).
//
// Note: handlers are invoked on the transport's goroutine.
func (s *Session) AddEventHandler(handlers ...EventHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	s.handlers = append(s.handlers, handlers...)
}

// --- Task scheduling ---

func (s *Session) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := s.tasks.Do(ctx, name, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})

	return err
}

// doValue schedules fn on the task queue and returns its typed result.
func doValue[T any](ctx context.Context, s *Session, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	val, err := s.tasks.Do(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("control: task %s returned %T", name, val)
	}

	return typed, nil
}

// --- Connection lifecycle ---

// Connect opens the transport and waits until the device reports connected.
//
// The connect timeout starts when the transport reports connecting and restarts on
// every further connecting event. A fatal transport event rejects the connect.
// When an auxiliary transport is configured it is connected afterwards; its failure
// is logged and does not fail Connect.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.do(ctx, "connect", s.connect); err != nil {
		return err
	}

	if s.aux != nil {
		if err := s.aux.Connect(ctx); err != nil {
			s.logger.Warn("auxiliary channel connect failed", "error", err)
		}
	}

	return nil
}

func (s *Session) connect(ctx context.Context) error {
	if s.state.IsClosed() {
		return ErrSessionClosed
	}

	if s.state.IsConnected() {
		return nil
	}

	s.state.ToConnecting()

	p := s.newPendingOp(s.cfg.connectTimeout, false)
	defer p.close()

	if err := s.transport.Open(ctx, s.handleEvent); err != nil {
		s.state.ToDisconnected()
		return newTransportError(err)
	}

	for {
		sig, err := p.next(ctx)
		if err != nil {
			s.state.ToDisconnected()
			s.logger.Error("connect failed", "error", err)

			return err
		}

		switch sig.kind {
		case EventConnecting:
			p.resetTimer()

		case EventConnected:
			s.logger.Info("connected")
			return nil

		case EventFatal:
			s.state.ToDisconnected()
			s.logger.Error("connect failed", "error", sig.err)

			return newTransportError(sig.err)

		case EventClose:
			return ErrConnClosed

		default:
			// errors and early messages do not settle the handshake
		}
	}
}

// KillSelf terminates the session: it sends the kill command on the auxiliary and
// primary channels, closes them and waits for the kill grace period.
//
// KillSelf bypasses the task queue. Operations still pending are not cancelled; they
// settle by their own timeout or context.
func (s *Session) KillSelf(ctx context.Context) error {
	sessions := []*Session{s}
	if s.aux != nil {
		sessions = append(sessions, s.aux)
	}

	g, _ := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			return sess.kill()
		})
	}
	err := g.Wait()

	if sleepErr := sleepCtx(ctx, s.cfg.killGracePeriod); sleepErr != nil && err == nil {
		err = sleepErr
	}

	return err
}

func (s *Session) kill() error {
	if s.state.IsConnected() {
		s.metrics.incCommandSendCount()
		if err := s.transport.Send([]byte(killCommand), false); err != nil {
			s.logger.Debug("send kill command failed", "error", err)
		}
	}

	s.state.ToClosed()

	if err := s.transport.Close(); err != nil {
		s.logger.Warn("close transport failed", "error", err)
		return newTransportError(err)
	}

	s.logger.Info("session killed")

	return nil
}

// handleEvent receives every transport event.
func (s *Session) handleEvent(ev Event) {
	sig := signal{kind: ev.Kind, err: ev.Err}

	switch ev.Kind {
	case EventMessage:
		s.metrics.incMessageRecvCount()
		sig.resp = ParseResponse(ev.Data, ev.Binary)

	case EventOpen:
		if s.cfg.authToken != "" {
			s.metrics.incCommandSendCount()
			if err := s.transport.Send([]byte(s.cfg.authToken), false); err != nil {
				s.logger.Error("send auth token failed", "error", err)
			}
		}

	case EventConnected:
		s.state.ToConnected()

	case EventClose:
		s.state.ToDisconnected()
		s.logger.Info("connection closed")

	case EventError, EventFatal:
		s.logger.Warn("transport failure", "event", ev.Kind, "error", ev.Err)

	case EventConnecting:
	}

	delivered, dropped := s.router.dispatch(sig)
	if ev.Kind == EventMessage && delivered == 0 {
		s.metrics.incMessageDropCount()
		s.logger.Debug("drop unsolicited message", "response", sig.resp.Summary(), "dropped", dropped)
	}

	if ev.Kind != EventMessage {
		s.invokeHandlers(ev)
	}
}

func (s *Session) invokeHandlers(ev Event) {
	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic in event handler", "event", ev.Kind, "panic", r)
				}
			}()

			h(ev)
		}()
	}
}

// --- Sending ---

func (s *Session) sendText(cmd string) error {
	if !s.state.IsConnected() {
		return ErrNotConnected
	}

	s.metrics.incCommandSendCount()
	s.logger.Debug("send", "cmd", cmd)

	if err := s.transport.Send([]byte(cmd), false); err != nil {
		return newTransportError(err)
	}

	return nil
}

func (s *Session) sendBinary(data []byte) error {
	if !s.state.IsConnected() {
		return ErrNotConnected
	}

	s.metrics.incCommandSendCount()

	if err := s.transport.Send(data, true); err != nil {
		return newTransportError(err)
	}

	return nil
}
