package control

import "sync/atomic"

// ConnState represents the connection state of a Session.
type ConnState uint32

const (
	// DisconnectedState indicates the transport is not connected.
	DisconnectedState ConnState = iota
	// ConnectingState indicates Connect is waiting for the device.
	ConnectingState
	// ConnectedState indicates the device accepts commands.
	ConnectedState
	// ClosedState indicates the session was torn down by KillSelf; it is terminal.
	ClosedState
)

func (cs ConnState) String() string {
	switch cs {
	case DisconnectedState:
		return "disconnected"
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	case ClosedState:
		return "closed"
	default:
		return "unknown"
	}
}

type atomicConnState struct {
	state atomic.Uint32
}

func (st *atomicConnState) String() string {
	return st.Get().String()
}

// Get returns the current state.
func (st *atomicConnState) Get() ConnState {
	return ConnState(st.state.Load())
}

func (st *atomicConnState) IsConnected() bool {
	return st.Get() == ConnectedState
}

func (st *atomicConnState) IsClosed() bool {
	return st.Get() == ClosedState
}

// ToConnecting moves a disconnected session into ConnectingState.
func (st *atomicConnState) ToConnecting() bool {
	return st.state.CompareAndSwap(uint32(DisconnectedState), uint32(ConnectingState))
}

// ToConnected marks the session connected unless it was closed.
func (st *atomicConnState) ToConnected() bool {
	if st.IsConnected() {
		return true
	}

	if st.state.CompareAndSwap(uint32(ConnectingState), uint32(ConnectedState)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(DisconnectedState), uint32(ConnectedState))
}

// ToDisconnected marks the session disconnected unless it was closed.
func (st *atomicConnState) ToDisconnected() bool {
	for {
		cur := st.state.Load()
		if ConnState(cur) == ClosedState {
			return false
		}

		if st.state.CompareAndSwap(cur, uint32(DisconnectedState)) {
			return true
		}
	}
}

// ToClosed moves the session into the terminal ClosedState.
func (st *atomicConnState) ToClosed() {
	st.state.Store(uint32(ClosedState))
}
