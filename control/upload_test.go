package control

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uploadDevice answers the upload handshake: continue on the header, uploading
// progress per chunk and ok once every declared byte arrived.
func uploadDevice(received *bytes.Buffer) func(ft *fakeTransport, data string, binary bool) {
	size := 0

	return func(ft *fakeTransport, data string, binary bool) {
		if !binary {
			fields := strings.Fields(data)
			size, _ = strconv.Atoi(fields[len(fields)-1])
			ft.replyStatus(StatusContinue)

			return
		}

		received.WriteString(data)
		ft.replyJSON(map[string]any{"status": StatusUploading, "sent": received.Len()})
		if received.Len() >= size {
			ft.replyStatus(StatusOK)
		}
	}
}

func TestUploadTask(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)

	var received bytes.Buffer
	ft.setOnSend(uploadDevice(&received))

	payload := bytes.Repeat([]byte{0x5a}, 10000)

	var progress []int
	totals := map[int]struct{}{}
	err := s.UploadTask(testContext(t), MimeFCode, payload, func(done int, total int) {
		totals[total] = struct{}{}
		progress = append(progress, done)
	})
	require.NoError(err)

	require.Equal([]string{"upload application/fcode 10000"}, ft.textFrames())
	chunks := ft.binaryFrames()
	require.Len(chunks, 3)
	require.Len(chunks[0], DefaultUploadChunkSize)
	require.Len(chunks[1], DefaultUploadChunkSize)
	require.Len(chunks[2], 10000-2*DefaultUploadChunkSize)
	require.Equal(payload, received.Bytes())
	require.Equal([]int{4096, 8192, 10000}, progress)
	require.Equal(map[int]struct{}{10000: {}}, totals)
	require.Equal(uint64(10000), s.GetMetrics().UploadBytes.Load())
}

func TestUpdateFirmware_ProgressPerChunk(t *testing.T) {
	require := require.New(t)

	const chunkSize = 16
	chunks := 3 * subscriptionBufferSize

	ft := newFakeTransport()
	s := newConnectedSession(t, ft, WithUploadChunkSize(chunkSize))

	var received bytes.Buffer
	ft.setOnSend(uploadDevice(&received))

	image := bytes.Repeat([]byte{0xa5}, chunks*chunkSize)

	calls := 0
	last := 0
	err := s.UpdateFirmware(testContext(t), image, func(done int, _ int) {
		calls++
		last = done
	})
	require.NoError(err)

	require.Len(ft.binaryFrames(), chunks)
	require.Equal(chunks, calls)
	require.Equal(len(image), last)
	require.Zero(s.GetMetrics().MessageDropCount.Load())
}

func TestUpload_EmptyPayload(t *testing.T) {
	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ctx := testContext(t)
	before := ft.sentCount()

	require.ErrorIs(t, s.UploadTask(ctx, MimeFCode, nil, nil), ErrEmptyPayload)
	require.ErrorIs(t, s.UploadFile(ctx, "/media/a.gcode", []byte{}, nil), ErrEmptyPayload)
	require.ErrorIs(t, s.UpdateFirmware(ctx, nil, nil), ErrEmptyPayload)
	require.ErrorIs(t, s.UploadFisheyeParams(ctx, nil), ErrEmptyPayload)
	require.ErrorIs(t, s.UpdateFisheye3DRotation(ctx, nil), ErrEmptyPayload)

	assert.Equal(t, before, ft.sentCount())
}

func TestUploadFile_UnsupportedExtension(t *testing.T) {
	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	before := ft.sentCount()

	err := s.UploadFile(testContext(t), "/media/image.png", []byte("data"), nil)
	require.ErrorIs(t, err, ErrUnsupportedFileType)
	assert.Equal(t, before, ft.sentCount())
}

func TestUploadFile_Header(t *testing.T) {
	tests := []struct {
		dest   string
		header string
	}{
		{dest: "/media/job.fc", header: "file upload application/fcode /media/job.fc 4"},
		{dest: "/media/job.GCODE", header: "file upload text/gcode /media/job.GCODE 4"},
		{dest: "/media/params.json", header: "file upload application/json /media/params.json 4"},
	}

	for _, tt := range tests {
		t.Run(tt.dest, func(t *testing.T) {
			ft := newFakeTransport()
			s := newConnectedSession(t, ft)

			var received bytes.Buffer
			ft.setOnSend(uploadDevice(&received))

			require.NoError(t, s.UploadFile(testContext(t), tt.dest, []byte("data"), nil))
			require.Equal(t, []string{tt.header}, ft.textFrames())
		})
	}
}

func TestUpdateFirmware_Header(t *testing.T) {
	ft := newFakeTransport()
	s := newConnectedSession(t, ft)

	var received bytes.Buffer
	ft.setOnSend(uploadDevice(&received))

	require.NoError(t, s.UpdateFirmware(testContext(t), []byte("firmware"), nil))
	require.NoError(t, s.UploadFisheyeParams(testContext(t), []byte(`{"k":[1]}`)))
	require.NoError(t, s.UpdateFisheye3DRotation(testContext(t), []byte(`{"rx":0}`)))

	require.Equal(t, []string{
		"update_fw binary/flux-firmware 8",
		"update_fisheye_params application/json 9",
		"update_fisheye_3d_rotation application/json 8",
	}, ft.textFrames())
}

func TestUpload_DeviceError(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, binary bool) {
		if !binary {
			ft.replyJSON(map[string]any{"status": StatusError, "error": []any{"NOT_ENOUGH_SPACE"}})
		}
	})

	err := s.UploadTask(testContext(t), MimeFCode, []byte("task"), nil)
	require.ErrorIs(err, ErrRejected)
	require.Empty(ft.binaryFrames())

	resp, ok := LastResponse(err)
	require.True(ok)
	require.Equal("NOT_ENOUGH_SPACE", resp.ErrorCode())
}

func TestDownloadFile(t *testing.T) {
	require := require.New(t)

	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyStatus(StatusContinue)
		ft.replyJSON(map[string]any{"status": StatusTransfer, "completed": 3, "size": 6})
		ft.replyJSON(map[string]any{"status": StatusTransfer, "completed": 6, "size": 6})
		ft.replyBinary([]byte("abcdef"))
	})

	var progress [][2]int
	data, err := s.DownloadFile(testContext(t), "/media/job.fc", func(done int, total int) {
		progress = append(progress, [2]int{done, total})
	})
	require.NoError(err)
	require.Equal([]byte("abcdef"), data)
	require.Equal([][2]int{{3, 6}, {6, 6}}, progress)
	require.Equal([]string{"file download /media/job.fc"}, ft.textFrames())
}

func TestDownloadLog_Error(t *testing.T) {
	ft := newFakeTransport()
	s := newConnectedSession(t, ft)
	ft.setOnSend(func(ft *fakeTransport, _ string, _ bool) {
		ft.replyJSON(map[string]any{"status": StatusError, "error": "NOT_FOUND"})
	})

	_, err := s.DownloadLog(testContext(t), "fluxcloudd.log", nil)
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, []string{"fetch_log fluxcloudd.log"}, ft.textFrames())
}

func TestMimeTypeForPath(t *testing.T) {
	mime, err := MimeTypeForPath("a/b.fc")
	require.NoError(t, err)
	require.Equal(t, MimeFCode, mime)

	_, err = MimeTypeForPath("noext")
	require.ErrorIs(t, err, ErrUnsupportedFileType)
}
