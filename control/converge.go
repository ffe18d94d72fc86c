package control

import (
	"context"
	"errors"
)

const (
	reportCmd = "play report"
	abortCmd  = "play abort"
	quitCmd   = "play quit"
)

// convergeTarget describes a terminating command and the device status it converges to.
type convergeTarget struct {
	name string
	cmd  string
	// reached settles the loop as soon as a response satisfies it.
	reached func(resp *Response) bool
	// accept classifies the last response once the retry budget is exhausted.
	accept func(resp *Response) bool
}

func statusIn(resp *Response, ids ...int) bool {
	st, ok := resp.DeviceStatusID()
	if !ok {
		return false
	}

	for _, id := range ids {
		if st == id {
			return true
		}
	}

	return false
}

var (
	abortTarget = convergeTarget{
		name: "abort",
		cmd:  abortCmd,
		reached: func(resp *Response) bool {
			return statusIn(resp, StatusIDAborted, StatusIDIdle)
		},
		accept: func(resp *Response) bool {
			return statusIn(resp, StatusIDAborted, StatusIDIdle, StatusIDCompleted)
		},
	}

	quitTarget = convergeTarget{
		name: "quit",
		cmd:  quitCmd,
		reached: func(resp *Response) bool {
			return statusIn(resp, StatusIDIdle)
		},
		accept: func(resp *Response) bool {
			return statusIn(resp, StatusIDIdle)
		},
	}
)

// Report polls the device status with "play report".
//
// A response without status "ok" triggers a resend, up to the report retry limit.
// The report timeout bounds the whole exchange.
func (s *Session) Report(ctx context.Context) (*Response, error) {
	return doValue(ctx, s, "report", s.report)
}

func (s *Session) report(ctx context.Context) (*Response, error) {
	p := s.newPendingOp(s.cfg.reportTimeout, false)
	defer p.close()

	if err := p.send(reportCmd); err != nil {
		return nil, err
	}

	for retries := 0; ; retries++ {
		resp, err := p.nextMessage(ctx)
		if err != nil {
			return nil, err
		}

		if resp.IsOK() {
			return resp, nil
		}

		if retries >= s.cfg.reportRetryLimit {
			s.logger.Warn("report retries exhausted", "response", resp.Summary())
			return nil, newRejectedError(resp)
		}

		s.metrics.incRetryCount()
		if err := p.send(reportCmd); err != nil {
			return nil, err
		}
	}
}

// Abort stops the running task and waits until the device reports ABORTED or IDLE.
//
// After the retry budget is exhausted, ABORTED, IDLE and COMPLETED are accepted;
// any other status rejects with the last response.
func (s *Session) Abort(ctx context.Context) (*Response, error) {
	return doValue(ctx, s, "abort", func(ctx context.Context) (*Response, error) {
		return s.converge(ctx, abortTarget)
	})
}

// Quit leaves the finished task and waits until the device reports IDLE.
func (s *Session) Quit(ctx context.Context) (*Response, error) {
	return doValue(ctx, s, "quit", func(ctx context.Context) (*Response, error) {
		return s.converge(ctx, quitTarget)
	})
}

// converge sends the terminating command and retries every converge interval until
// the device status reaches the target.
//
// A retry resends the terminating command when the previous response was not ok,
// and probes with "play report" otherwise. The last retry always probes. Transport
// errors count toward the retry budget.
func (s *Session) converge(ctx context.Context, t convergeTarget) (*Response, error) {
	p := s.newPendingOp(s.cfg.commandTimeout, true)
	defer p.close()

	if err := p.send(t.cmd); err != nil {
		return nil, err
	}

	var (
		last    *Response
		lastErr error
	)

	for retries := 0; ; retries++ {
		resp, err := p.nextMessage(ctx)
		switch {
		case err == nil:
			last, lastErr = resp, nil
			if t.reached(resp) {
				s.logger.Debug("status converged", "op", t.name, "retries", retries)
				return resp, nil
			}

		case errors.Is(err, ErrTransport) && !errors.Is(err, ErrConnClosed):
			s.logger.Warn("transport failure while converging", "op", t.name, "error", err)
			lastErr = err

		default:
			return nil, err
		}

		if retries >= s.cfg.convergeRetryLimit {
			return s.finishConverge(t, last, lastErr)
		}

		next := reportCmd
		if lastErr != nil || !last.IsOK() {
			next = t.cmd
		}
		if retries == s.cfg.convergeRetryLimit-1 {
			next = reportCmd
		}

		s.metrics.incRetryCount()
		if err := p.backoff(ctx, s.cfg.convergeInterval); err != nil {
			return nil, err
		}

		if err := p.send(next); err != nil {
			return nil, err
		}
	}
}

func (s *Session) finishConverge(t convergeTarget, last *Response, lastErr error) (*Response, error) {
	if lastErr == nil && t.accept(last) {
		s.logger.Debug("status accepted after retries", "op", t.name, "response", last.Summary())
		return last, nil
	}

	s.logger.Warn("status did not converge", "op", t.name, "retries", s.cfg.convergeRetryLimit)

	if last == nil {
		return nil, lastErr
	}

	return nil, newRejectedError(last)
}
