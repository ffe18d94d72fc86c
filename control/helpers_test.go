package control

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-beamctl/logger"
)

func TestMain(m *testing.M) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	logger.SetLevel(logger.ParseLevel(logLevel))

	os.Exit(m.Run())
}

// sentFrame is a frame written through the fake transport.
type sentFrame struct {
	data   string
	binary bool
}

// fakeTransport is a scripted Transport. Replies are emitted synchronously from Send
// through the onSend hook.
type fakeTransport struct {
	mu      sync.Mutex
	handler EventHandler
	sent    []sentFrame
	closed  bool
	openErr error
	sendErr error

	// openEvents are emitted by Open, in order.
	openEvents []EventKind
	// onSend is invoked after a frame is recorded, without holding the lock.
	onSend func(ft *fakeTransport, data string, binary bool)
}

var _ Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		openEvents: []EventKind{EventConnecting, EventOpen, EventConnected},
	}
}

func (ft *fakeTransport) Open(_ context.Context, handler EventHandler) error {
	ft.mu.Lock()
	if ft.openErr != nil {
		ft.mu.Unlock()
		return ft.openErr
	}
	ft.handler = handler
	events := ft.openEvents
	ft.mu.Unlock()

	for _, kind := range events {
		ft.emit(Event{Kind: kind})
	}

	return nil
}

func (ft *fakeTransport) Send(data []byte, binary bool) error {
	ft.mu.Lock()
	if ft.sendErr != nil {
		ft.mu.Unlock()
		return ft.sendErr
	}
	ft.sent = append(ft.sent, sentFrame{data: string(data), binary: binary})
	hook := ft.onSend
	ft.mu.Unlock()

	if hook != nil && string(data) != testAuthToken {
		hook(ft, string(data), binary)
	}

	return nil
}

func (ft *fakeTransport) Close() error {
	ft.mu.Lock()
	ft.closed = true
	ft.mu.Unlock()

	ft.emit(Event{Kind: EventClose})

	return nil
}

func (ft *fakeTransport) setOnSend(fn func(ft *fakeTransport, data string, binary bool)) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.onSend = fn
}

func (ft *fakeTransport) emit(ev Event) {
	ft.mu.Lock()
	h := ft.handler
	ft.mu.Unlock()

	if h != nil {
		h(ev)
	}
}

// replyJSON emits a structured message.
func (ft *fakeTransport) replyJSON(fields map[string]any) {
	data, err := json.Marshal(fields)
	if err != nil {
		panic(err)
	}

	ft.emit(Event{Kind: EventMessage, Data: data})
}

// replyStatus emits {"status": status}.
func (ft *fakeTransport) replyStatus(status string) {
	ft.replyJSON(map[string]any{"status": status})
}

// replyRaw emits a raw mode text fragment.
func (ft *fakeTransport) replyRaw(text string) {
	ft.replyJSON(map[string]any{"status": StatusRaw, "text": text})
}

// replyBinary emits a binary frame.
func (ft *fakeTransport) replyBinary(data []byte) {
	ft.emit(Event{Kind: EventMessage, Data: data, Binary: true})
}

// textFrames returns the text frames sent so far, excluding the auth token.
func (ft *fakeTransport) textFrames() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	var out []string
	for _, f := range ft.sent {
		if !f.binary && f.data != testAuthToken {
			out = append(out, f.data)
		}
	}

	return out
}

func (ft *fakeTransport) binaryFrames() [][]byte {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	var out [][]byte
	for _, f := range ft.sent {
		if f.binary {
			out = append(out, []byte(f.data))
		}
	}

	return out
}

func (ft *fakeTransport) sentCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return len(ft.sent)
}

func (ft *fakeTransport) isClosed() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return ft.closed
}

const testAuthToken = "test-token"

// newTestSession creates a Session with short delays suitable for tests.
func newTestSession(t *testing.T, ft *fakeTransport, opts ...SessionOption) *Session {
	t.Helper()

	defaults := []SessionOption{
		WithAuthToken(testAuthToken),
		WithCommandTimeout(time.Second),
		WithReportTimeout(time.Second),
		WithConvergeInterval(5 * time.Millisecond),
		WithLineCheckRetryDelay(time.Millisecond),
		WithRawSettleDelay(time.Millisecond),
		WithCartridgeSettleDelay(time.Millisecond),
		WithKillGracePeriod(time.Millisecond),
	}

	s, err := NewSession("test-device", ft, append(defaults, opts...)...)
	require.NoError(t, err)

	return s
}

// newConnectedSession creates a Session and connects it.
func newConnectedSession(t *testing.T, ft *fakeTransport, opts ...SessionOption) *Session {
	t.Helper()

	s := newTestSession(t, ft, opts...)
	require.NoError(t, s.Connect(context.Background()))
	require.True(t, s.IsConnected())

	return s
}

// newRawSession creates a connected Session already in raw mode.
func newRawSession(t *testing.T, ft *fakeTransport, opts ...SessionOption) *Session {
	t.Helper()

	s := newConnectedSession(t, ft, opts...)
	s.setMode(ModeRaw)

	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

var errBoom = errors.New("boom")
