package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	t.Run("structured", func(t *testing.T) {
		require := require.New(t)

		resp := ParseResponse([]byte(`{"status":"ok","device_status":{"st_id":16},"prog":0.5}`), false)
		require.Equal(StructuredResponse, resp.Kind)
		require.True(resp.IsOK())

		st, ok := resp.DeviceStatusID()
		require.True(ok)
		require.Equal(StatusIDRunning, st)

		prog, ok := resp.Float("prog")
		require.True(ok)
		require.InDelta(0.5, prog, 1e-9)
	})

	t.Run("top level st_id", func(t *testing.T) {
		resp := ParseResponse([]byte(`{"status":"ok","st_id":"128"}`), false)
		st, ok := resp.DeviceStatusID()
		require.True(t, ok)
		require.Equal(t, StatusIDAborted, st)
	})

	t.Run("raw", func(t *testing.T) {
		resp := ParseResponse([]byte(`{"status":"raw","text":"ok\n"}`), false)
		require.Equal(t, RawResponse, resp.Kind)
		require.Equal(t, "ok\n", resp.Text)
	})

	t.Run("plain text", func(t *testing.T) {
		resp := ParseResponse([]byte("LN3 0"), false)
		require.Equal(t, RawResponse, resp.Kind)
		require.Equal(t, "LN3 0", resp.Text)
	})

	t.Run("binary", func(t *testing.T) {
		data := []byte{1, 2, 3}
		resp := ParseResponse(data, true)
		data[0] = 9

		require.Equal(t, BinaryResponse, resp.Kind)
		require.Equal(t, []byte{1, 2, 3}, resp.Data)
	})
}

func TestResponse_ErrorCode(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("TIMEOUT", TimeoutResponse().ErrorCode())
	assert.True(TimeoutResponse().IsError())

	resp := ParseResponse([]byte(`{"status":"error","error":["KICKED","USER"]}`), false)
	assert.Equal("KICKED USER", resp.ErrorCode())
	assert.Equal("status=error error=KICKED USER", resp.Summary())

	var nilResp *Response
	assert.False(nilResp.IsOK())
	assert.Equal("<nil>", nilResp.Summary())
}

func TestLastResponse(t *testing.T) {
	resp := ParseResponse([]byte(`{"status":"error","error":"BUSY"}`), false)
	err := newRejectedError(resp)

	got, ok := LastResponse(err)
	require.True(t, ok)
	require.Same(t, resp, got)

	_, ok = LastResponse(ErrModeMismatch)
	require.False(t, ok)
}
