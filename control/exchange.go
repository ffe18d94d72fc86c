package control

import (
	"context"
	"strings"
	"time"
)

// line is one physical line of accumulated raw text.
type line struct {
	text string
	// complete is false for the trailing fragment not yet terminated by a line break.
	complete bool
}

// lineBuffer joins raw text fragments and hands out each complete line once.
type lineBuffer struct {
	data     string
	consumed int
}

func (b *lineBuffer) write(fragment string) {
	b.data += fragment
}

// lines returns the complete lines not returned before, followed by the trailing
// fragment, if any. The fragment is returned again on later calls until it completes.
func (b *lineBuffer) lines() []line {
	var out []line

	rest := b.data[b.consumed:]
	for {
		i := strings.IndexByte(rest, '\n')
		if i < 0 {
			break
		}

		out = append(out, line{text: strings.TrimSuffix(rest[:i], "\r"), complete: true})
		b.consumed += i + 1
		rest = rest[i+1:]
	}

	if rest != "" {
		out = append(out, line{text: strings.TrimSuffix(rest, "\r")})
	}

	return out
}

func (b *lineBuffer) reset() {
	b.data = ""
	b.consumed = 0
}

// text returns the accumulated text. With dropDebug, lines starting with "DEBUG:"
// are removed except the final line.
func (b *lineBuffer) text(dropDebug bool) string {
	if !dropDebug {
		return b.data
	}

	all := strings.Split(b.data, "\n")
	kept := all[:0:0]
	for i, l := range all {
		if i < len(all)-1 && strings.HasPrefix(l, "DEBUG:") {
			continue
		}
		kept = append(kept, l)
	}

	return strings.Join(kept, "\n")
}

func isErrorLine(l string) bool {
	return strings.HasPrefix(l, "error:")
}

func isResetLine(l string) bool {
	return strings.Contains(l, "ER:RESET")
}

type lineVerdict uint8

const (
	// lineContinue keeps waiting.
	lineContinue lineVerdict = iota
	// lineDone settles the exchange successfully.
	lineDone
	// lineResend discards the accumulated text and sends the command again.
	lineResend
	// lineFail rejects the exchange.
	lineFail
)

// noResync marks a verdict that carries no line number.
const noResync = -1

// lineExchange describes a raw mode request whose reply is classified line by line.
//
// It is the single combinator behind line check enter/execute/exit and the
// structured raw queries (home, probe position, last position, height).
type lineExchange struct {
	name string
	// command builds the frame for each attempt, so resends may be re-framed.
	command func() string
	// classify inspects one line, including an unterminated trailing fragment. It
	// must not change session state: a lineResend verdict may carry the line number
	// requested by the device, or noResync.
	classify func(text string) (lineVerdict, int)
	// resync applies a requested line number right before the resend.
	resync func(n int)
	// retryLimit bounds failed attempts; the exchange rejects with
	// ErrResyncExhausted when it is reached. Zero means unbounded.
	retryLimit int
	retryDelay time.Duration
	timeout    time.Duration
	dropDebug  bool
}

// runLineExchange sends the command and classifies every received line until the
// exchange settles. The trailing fragment of a message is classified as a line too;
// when it only classifies as lineContinue it is kept and classified again once more
// text arrives. The timeout restarts on every message and every resend.
func (s *Session) runLineExchange(ctx context.Context, ex lineExchange) (string, error) {
	p := s.newPendingOp(ex.timeout, true)
	defer p.close()

	if err := p.send(ex.command()); err != nil {
		return "", err
	}

	var buf lineBuffer
	failures := 0

	for {
		resp, err := p.nextMessage(ctx)
		if err != nil {
			return "", err
		}

		if resp.Kind != RawResponse {
			if resp.IsError() {
				return "", newRejectedError(resp)
			}

			s.logger.Debug("ignore non-raw message", "exchange", ex.name, "response", resp.Summary())

			continue
		}

		buf.write(resp.Text)

	scan:
		for _, ln := range buf.lines() {
			verdict, resyncTo := ex.classify(ln.text)

			switch verdict {
			case lineDone:
				return buf.text(ex.dropDebug), nil

			case lineFail:
				s.logger.Warn("raw command failed", "exchange", ex.name, "line", ln.text)
				return "", newRawRejectedError(ln.text, ErrRejected)

			case lineResend:
				failures++
				if ex.retryLimit > 0 && failures >= ex.retryLimit {
					s.logger.Warn("raw command retries exhausted", "exchange", ex.name, "failures", failures, "line", ln.text)
					return "", newRawRejectedError(ln.text, ErrResyncExhausted)
				}

				if resyncTo != noResync && ex.resync != nil {
					ex.resync(resyncTo)
				}

				s.metrics.incRetryCount()
				s.logger.Debug("resend raw command", "exchange", ex.name, "attempt", failures+1, "line", ln.text)

				buf.reset()
				if err := p.backoff(ctx, ex.retryDelay); err != nil {
					return "", err
				}
				if err := p.send(ex.command()); err != nil {
					return "", err
				}

				break scan

			case lineContinue:
				if !ln.complete {
					s.logger.Debug("wait for line completion", "exchange", ex.name, "fragment", ln.text)
				}
			}
		}
	}
}
