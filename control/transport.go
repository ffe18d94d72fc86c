package control

import "context"

// EventKind identifies a transport event.
type EventKind uint8

const (
	// EventConnecting is emitted while the channel is being established; it may repeat.
	EventConnecting EventKind = iota
	// EventOpen is emitted once the raw channel is open, before the device is ready.
	// The session answers it with the authentication token.
	EventOpen
	// EventConnected is emitted when the device is ready to accept commands.
	EventConnected
	// EventMessage carries an inbound frame.
	EventMessage
	// EventError reports a recoverable channel failure.
	EventError
	// EventFatal reports an unrecoverable channel failure.
	EventFatal
	// EventClose is emitted when the channel is closed.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventOpen:
		return "open"
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventFatal:
		return "fatal"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is emitted by a Transport.
type Event struct {
	Kind EventKind
	// Data is the frame payload of an EventMessage.
	Data []byte
	// Binary reports whether Data arrived as a binary frame.
	Binary bool
	// Err is set for EventError and EventFatal.
	Err error
}

// EventHandler receives transport events.
//
// Note: handlers are invoked on the transport's goroutine. Take care with long-running implementations.
type EventHandler func(Event)

// Transport is the duplex channel a Session drives.
//
// Implementations deliver events in order to the handler given to Open.
// Reconnect policy, framing and authentication details belong to the implementation.
type Transport interface {
	// Open starts establishing the channel and returns without waiting for it to be ready.
	Open(ctx context.Context, handler EventHandler) error
	// Send writes one frame. binary selects a binary frame instead of text.
	Send(data []byte, binary bool) error
	// Close closes the channel.
	Close() error
}
