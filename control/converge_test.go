package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func statusReply(st int) map[string]any {
	return map[string]any{
		"status":        StatusOK,
		"device_status": map[string]any{"st_id": st},
	}
}

func TestReport(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyJSON(statusReply(StatusIDRunning))
	})

	resp, err := s.Report(testContext(t))
	require.NoError(err)

	st, ok := resp.DeviceStatusID()
	require.True(ok)
	require.Equal(StatusIDRunning, st)
	require.Equal([]string{reportCmd}, ft.textFrames())
}

func TestReport_RetryExhausted(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyJSON(map[string]any{"status": StatusError, "error": "BUSY"})
	})

	_, err := s.Report(testContext(t))
	require.ErrorIs(err, ErrRejected)
	require.Len(ft.textFrames(), DefaultReportRetryLimit+1)

	resp, ok := LastResponse(err)
	require.True(ok)
	require.Equal("BUSY", resp.ErrorCode())
}

func TestReport_Timeout(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft, WithReportTimeout(20*time.Millisecond))

	_, err := s.Report(testContext(t))
	require.ErrorIs(err, ErrTimeout)

	resp, ok := LastResponse(err)
	require.True(ok)
	require.Equal("TIMEOUT", resp.ErrorCode())
	require.Equal(uint64(1), s.GetMetrics().TimeoutCount.Load())
}

func TestAbort_ConvergesOnReport(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, data string, _ bool) {
		if data == abortCmd {
			ft.replyStatus(StatusOK)
			return
		}
		ft.replyJSON(statusReply(StatusIDAborted))
	})

	resp, err := s.Abort(testContext(t))
	require.NoError(err)

	st, _ := resp.DeviceStatusID()
	require.Equal(StatusIDAborted, st)
	require.Equal([]string{abortCmd, reportCmd}, ft.textFrames())
}

func TestAbort_ResendAfterFailure(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)

	attempts := 0
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		attempts++
		if attempts == 1 {
			ft.replyJSON(map[string]any{"status": StatusError, "error": "BUSY"})
			return
		}
		ft.replyJSON(statusReply(StatusIDIdle))
	})

	_, err := s.Abort(testContext(t))
	require.NoError(err)
	require.Equal([]string{abortCmd, abortCmd}, ft.textFrames())
}

func TestAbort_TransportErrorCountsAsRetry(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)

	attempts := 0
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		attempts++
		if attempts == 1 {
			ft.emit(Event{Kind: EventError, Err: errBoom})
			return
		}
		ft.replyJSON(statusReply(StatusIDAborted))
	})

	_, err := s.Abort(testContext(t))
	require.NoError(err)
	require.Equal([]string{abortCmd, abortCmd}, ft.textFrames())
	require.Equal(uint64(1), s.GetMetrics().RetryCount.Load())
}

func TestAbort_RejectAfterRetries(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyJSON(statusReply(StatusIDRunning))
	})

	_, err := s.Abort(testContext(t))
	require.ErrorIs(err, ErrRejected)
	require.Equal([]string{abortCmd, reportCmd, reportCmd, reportCmd}, ft.textFrames())
	require.Equal(uint64(DefaultConvergeRetryLimit), s.GetMetrics().RetryCount.Load())

	resp, ok := LastResponse(err)
	require.True(ok)
	st, _ := resp.DeviceStatusID()
	require.Equal(StatusIDRunning, st)
}

func TestAbort_CompletedAcceptedAfterRetries(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyJSON(statusReply(StatusIDCompleted))
	})

	resp, err := s.Abort(testContext(t))
	require.NoError(err)

	st, _ := resp.DeviceStatusID()
	require.Equal(StatusIDCompleted, st)
	require.Len(ft.textFrames(), DefaultConvergeRetryLimit+1)
}

func TestQuit(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyJSON(statusReply(StatusIDIdle))
	})

	_, err := s.Quit(testContext(t))
	require.NoError(err)
	require.Equal([]string{quitCmd}, ft.textFrames())
}

func TestQuit_RejectAfterRetries(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyJSON(statusReply(StatusIDCompleted))
	})

	_, err := s.Quit(testContext(t))
	require.ErrorIs(err, ErrRejected)
	require.Len(ft.textFrames(), DefaultConvergeRetryLimit+1)

	resp, ok := LastResponse(err)
	require.True(ok)
	st, _ := resp.DeviceStatusID()
	require.Equal(StatusIDCompleted, st)
}
