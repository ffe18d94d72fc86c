package control

import (
	"sync/atomic"
)

// SessionMetrics contains atomic metrics for a Session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type SessionMetrics struct {
	// CommandSendCount indicates the number of frames sent, including resends and chunks.
	CommandSendCount atomic.Uint64
	// MessageRecvCount indicates the number of inbound messages.
	MessageRecvCount atomic.Uint64
	// MessageDropCount indicates inbound messages dropped because no operation was waiting
	// or the waiting operation's buffer was full.
	MessageDropCount atomic.Uint64
	// TimeoutCount indicates the number of operations settled by timeout.
	TimeoutCount atomic.Uint64
	// RetryCount indicates the number of protocol level resends.
	RetryCount atomic.Uint64
	// ResyncCount indicates the number of ERL line number corrections.
	ResyncCount atomic.Uint64
	// TaskDropCount indicates the number of queued tasks dropped by queue overflow.
	TaskDropCount atomic.Uint64
	// UploadBytes indicates the number of payload bytes sent by uploads.
	UploadBytes atomic.Uint64
	// TaskInflightCount indicates the number of tasks currently executing (0 or 1).
	TaskInflightCount atomic.Int64
}

func (m *SessionMetrics) incCommandSendCount() {
	m.CommandSendCount.Add(1)
}

func (m *SessionMetrics) incMessageRecvCount() {
	m.MessageRecvCount.Add(1)
}

func (m *SessionMetrics) incMessageDropCount() {
	m.MessageDropCount.Add(1)
}

func (m *SessionMetrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *SessionMetrics) incRetryCount() {
	m.RetryCount.Add(1)
}

func (m *SessionMetrics) incResyncCount() {
	m.ResyncCount.Add(1)
}

func (m *SessionMetrics) addTaskDropCount(n int) {
	m.TaskDropCount.Add(uint64(n)) //nolint:gosec // n is a queue length
}

func (m *SessionMetrics) addUploadBytes(n int) {
	m.UploadBytes.Add(uint64(n)) //nolint:gosec // n is a chunk length
}

func (m *SessionMetrics) incTaskInflightCount() {
	m.TaskInflightCount.Add(1)
}

func (m *SessionMetrics) decTaskInflightCount() {
	m.TaskInflightCount.Add(-1)
}
