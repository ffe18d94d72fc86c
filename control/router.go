package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-beamctl/internal/pool"
	"github.com/puzpuzpuz/xsync/v3"
)

// subscriptionBufferSize bounds the signals buffered for one operation.
const subscriptionBufferSize = 128

// signal is a transport event after parsing, as seen by a pending operation.
type signal struct {
	kind EventKind
	resp *Response
	err  error
}

// subscription is a per-operation view of the inbound event stream.
type subscription struct {
	id     uint64
	ch     chan signal
	done   chan struct{}
	once   sync.Once
	router *router
}

// router fans transport signals out to the active subscriptions, keyed by a
// monotonically increasing id.
type router struct {
	nextID atomic.Uint64
	subs   *xsync.MapOf[uint64, *subscription]
}

func newRouter() *router {
	return &router{subs: xsync.NewMapOf[uint64, *subscription]()}
}

// subscribe registers a subscription buffering up to size signals; a size below
// subscriptionBufferSize is raised to it.
func (r *router) subscribe(size int) *subscription {
	sub := &subscription{
		id:     r.nextID.Add(1),
		ch:     make(chan signal, max(size, subscriptionBufferSize)),
		done:   make(chan struct{}),
		router: r,
	}
	r.subs.Store(sub.id, sub)

	return sub
}

// dispatch delivers sig to every subscription and returns how many accepted it.
// It never blocks; a full subscription drops the signal.
func (r *router) dispatch(sig signal) (delivered int, dropped int) {
	r.subs.Range(func(_ uint64, sub *subscription) bool {
		select {
		case <-sub.done:
		case sub.ch <- sig:
			delivered++
		default:
			dropped++
		}

		return true
	})

	return delivered, dropped
}

// count returns the number of active subscriptions.
func (r *router) count() int {
	return r.subs.Size()
}

// unsubscribe detaches the subscription. It is safe to call more than once.
func (sub *subscription) unsubscribe() {
	sub.once.Do(func() {
		sub.router.subs.Delete(sub.id)
		close(sub.done)
	})
}

// drain discards buffered signals.
func (sub *subscription) drain() {
	for {
		select {
		case <-sub.ch:
		default:
			return
		}
	}
}

// pendingOp is the single in-flight correlation context of a Session: one
// subscription plus its timeout timer.
type pendingOp struct {
	s              *Session
	sub            *subscription
	timer          *time.Timer
	timeout        time.Duration
	resetOnMessage bool
}

// newPendingOp subscribes to inbound signals. The timer starts immediately and, when
// resetOnMessage is set, restarts on every received message and every send.
func (s *Session) newPendingOp(timeout time.Duration, resetOnMessage bool) *pendingOp {
	return s.newBufferedPendingOp(timeout, resetOnMessage, subscriptionBufferSize)
}

// newBufferedPendingOp is newPendingOp for operations expecting more than
// subscriptionBufferSize messages before they read again.
func (s *Session) newBufferedPendingOp(timeout time.Duration, resetOnMessage bool, buffer int) *pendingOp {
	if timeout <= 0 {
		timeout = s.cfg.commandTimeout
	}

	return &pendingOp{
		s:              s,
		sub:            s.router.subscribe(buffer),
		timer:          pool.GetTimer(timeout),
		timeout:        timeout,
		resetOnMessage: resetOnMessage,
	}
}

// close detaches the subscription and releases the timer.
func (p *pendingOp) close() {
	p.sub.unsubscribe()
	pool.PutTimer(p.timer)
}

func (p *pendingOp) resetTimer() {
	pool.ResetTimer(p.timer, p.timeout)
}

// send writes a text command; it restarts the timer of resetting operations.
func (p *pendingOp) send(cmd string) error {
	if err := p.s.sendText(cmd); err != nil {
		return err
	}

	if p.resetOnMessage {
		p.resetTimer()
	}

	return nil
}

// sendBinary writes a binary frame without touching the timer.
func (p *pendingOp) sendBinary(data []byte) error {
	return p.s.sendBinary(data)
}

// next waits for the next signal of any kind.
//
// It fails with a timeout error when the timer fires and with ctx.Err() when ctx is done.
func (p *pendingOp) next(ctx context.Context) (signal, error) {
	select {
	case <-ctx.Done():
		return signal{}, ctx.Err()

	case <-p.timer.C:
		p.s.metrics.incTimeoutCount()
		p.s.logger.Warn("operation timeout", "timeout", p.timeout)

		return signal{}, newTimeoutError()

	case sig := <-p.sub.ch:
		if sig.kind == EventMessage && p.resetOnMessage {
			p.resetTimer()
		}

		return sig, nil
	}
}

// nextMessage waits for the next device message. Transport error, fatal and close
// events reject the operation.
func (p *pendingOp) nextMessage(ctx context.Context) (*Response, error) {
	for {
		sig, err := p.next(ctx)
		if err != nil {
			return nil, err
		}

		switch sig.kind {
		case EventMessage:
			return sig.resp, nil
		case EventError, EventFatal:
			return nil, newTransportError(sig.err)
		case EventClose:
			return nil, ErrConnClosed
		default:
			// lifecycle events do not settle command exchanges
		}
	}
}

// backoff sleeps for d and discards whatever arrived meanwhile.
func (p *pendingOp) backoff(ctx context.Context, d time.Duration) error {
	if d > 0 {
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
	p.sub.drain()

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// --- correlation strategies ---
//
// The strategies below run inside a queued task; they assume no other exchange is in flight.

// anyResponse sends cmd and settles on the first device message. A message with
// status "error" rejects.
func (s *Session) anyResponse(ctx context.Context, cmd string, timeout time.Duration) (*Response, error) {
	p := s.newPendingOp(timeout, false)
	defer p.close()

	if err := p.send(cmd); err != nil {
		return nil, err
	}

	resp, err := p.nextMessage(ctx)
	if err != nil {
		return nil, err
	}

	if resp.IsError() {
		return nil, newRejectedError(resp)
	}

	return resp, nil
}

// Accumulated is the result of an accumulate-until-ok exchange.
type Accumulated struct {
	Responses []*Response
	Last      *Response
}

// accumulateUntilOK sends cmd and collects every message until one reports status "ok".
func (s *Session) accumulateUntilOK(ctx context.Context, cmd string, timeout time.Duration) (*Accumulated, error) {
	p := s.newPendingOp(timeout, false)
	defer p.close()

	if err := p.send(cmd); err != nil {
		return nil, err
	}

	acc := &Accumulated{}
	for {
		resp, err := p.nextMessage(ctx)
		if err != nil {
			return nil, err
		}

		acc.Responses = append(acc.Responses, resp)
		acc.Last = resp

		switch {
		case resp.IsOK():
			return acc, nil
		case resp.IsError():
			return nil, newRejectedError(resp)
		}
	}
}

// rawUntilOK sends cmd and joins raw text until a line equals "ok"; a line starting
// with "error:" rejects.
func (s *Session) rawUntilOK(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	p := s.newPendingOp(timeout, false)
	defer p.close()

	if err := p.send(cmd); err != nil {
		return "", err
	}

	var buf lineBuffer
	for {
		resp, err := p.nextMessage(ctx)
		if err != nil {
			return "", err
		}

		if resp.Kind != RawResponse {
			if resp.IsError() {
				return "", newRejectedError(resp)
			}

			continue
		}

		buf.write(resp.Text)
		for _, ln := range buf.lines() {
			switch {
			case ln.text == "ok":
				return buf.text(false), nil
			case ln.complete && isErrorLine(ln.text):
				return "", newRawRejectedError(ln.text, ErrRejected)
			}
		}
	}
}
