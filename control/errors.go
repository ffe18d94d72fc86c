package control

import (
	"errors"
	"fmt"
)

// Error taxonomy. Use errors.Is to classify a failure and errors.As with
// *ResponseError to read the device response that caused it.
var (
	// ErrTransport indicates a channel level failure reported by the transport.
	ErrTransport = errors.New("control: transport error")

	// ErrConnClosed indicates the transport closed while an operation was pending.
	ErrConnClosed = fmt.Errorf("%w: connection closed", ErrTransport)

	// ErrNotConnected indicates an operation was attempted before the session connected.
	ErrNotConnected = errors.New("control: session is not connected")

	// ErrSessionClosed indicates the session was torn down by KillSelf.
	ErrSessionClosed = errors.New("control: session closed")

	// ErrTimeout indicates no qualifying message arrived within the operation window.
	ErrTimeout = errors.New("control: TIMEOUT")

	// ErrRejected indicates the device explicitly signaled a failure.
	ErrRejected = errors.New("control: rejected by device")

	// ErrModeMismatch indicates an operation was invoked outside its required mode.
	ErrModeMismatch = errors.New("control: mode mismatch")

	// ErrResyncExhausted indicates the line-check recovery budget was exceeded.
	ErrResyncExhausted = errors.New("control: line check resync retries exhausted")

	// ErrTaskQueueOverflow is delivered to queued tasks dropped by an overflowing task queue.
	ErrTaskQueueOverflow = errors.New("control: task queue overflow, task dropped")

	// ErrEmptyPayload indicates an upload was requested with no data.
	ErrEmptyPayload = errors.New("control: upload payload is empty")

	// ErrUnsupportedFileType indicates an upload destination with an unsupported extension.
	ErrUnsupportedFileType = errors.New("control: unsupported file type")

	// ErrInvalidPayload indicates a structured raw payload could not be parsed.
	ErrInvalidPayload = errors.New("control: invalid payload")
)

// ResponseError carries the device response that settled an operation with failure.
//
// For timeouts the response is the constructed {status:"error", error:"TIMEOUT"}.
type ResponseError struct {
	Response *Response
	Err      error
}

func (e *ResponseError) Error() string {
	if e.Response == nil {
		return e.Err.Error()
	}

	return fmt.Sprintf("%v: %s", e.Err, e.Response.Summary())
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

func newTimeoutError() error {
	return &ResponseError{Response: TimeoutResponse(), Err: ErrTimeout}
}

func newRejectedError(resp *Response) error {
	return &ResponseError{Response: resp, Err: ErrRejected}
}

// newRawRejectedError wraps a failing raw line into a ResponseError.
func newRawRejectedError(line string, err error) error {
	return &ResponseError{
		Response: &Response{Kind: RawResponse, Status: StatusRaw, Text: line},
		Err:      err,
	}
}

func newModeMismatchError(want, got Mode) error {
	return fmt.Errorf("%w: want %s, current %s", ErrModeMismatch, want, got)
}

func newTransportError(err error) error {
	if err == nil {
		return ErrTransport
	}

	if errors.Is(err, ErrTransport) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// LastResponse returns the device response carried by err, if any.
func LastResponse(err error) (*Response, bool) {
	var respErr *ResponseError
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response, true
	}

	return nil, false
}
