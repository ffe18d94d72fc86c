package control

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Upload mime types.
const (
	MimeFCode    = "application/fcode"
	MimeGCode    = "text/gcode"
	MimeJSON     = "application/json"
	MimeFirmware = "binary/flux-firmware"
)

// ProgressFunc receives transfer progress: the bytes done so far and the total size.
// It is called from the session's task goroutine. Uploads buffer one progress frame
// per chunk, so no frame is lost while the chunks are being written.
type ProgressFunc func(done int, total int)

var uploadMimeByExt = map[string]string{
	".fc":    MimeFCode,
	".gcode": MimeGCode,
	".json":  MimeJSON,
}

// MimeTypeForPath returns the upload mime type of a destination path.
func MimeTypeForPath(p string) (string, error) {
	mime, ok := uploadMimeByExt[strings.ToLower(path.Ext(p))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, p)
	}

	return mime, nil
}

// UploadTask uploads a task to be run with Start.
func (s *Session) UploadTask(ctx context.Context, mime string, data []byte, onProgress ProgressFunc) error {
	return s.upload(ctx, "uploadTask", "upload "+mime, data, onProgress)
}

// UploadFile stores data at dest on the device. The mime type is derived from the
// extension of dest; unsupported extensions fail before any traffic.
func (s *Session) UploadFile(ctx context.Context, dest string, data []byte, onProgress ProgressFunc) error {
	mime, err := MimeTypeForPath(dest)
	if err != nil {
		return err
	}

	return s.upload(ctx, "uploadFile", "file upload "+mime+" "+dest, data, onProgress)
}

// UpdateFirmware uploads a firmware image.
func (s *Session) UpdateFirmware(ctx context.Context, image []byte, onProgress ProgressFunc) error {
	return s.upload(ctx, "updateFirmware", "update_fw "+MimeFirmware, image, onProgress)
}

// UploadFisheyeParams uploads fisheye camera calibration parameters, encoded as JSON.
func (s *Session) UploadFisheyeParams(ctx context.Context, params []byte) error {
	return s.upload(ctx, "uploadFisheyeParams", "update_fisheye_params "+MimeJSON, params, nil)
}

// UpdateFisheye3DRotation uploads the fisheye camera 3D rotation, encoded as JSON.
func (s *Session) UpdateFisheye3DRotation(ctx context.Context, rotation []byte) error {
	return s.upload(ctx, "updateFisheye3DRotation", "update_fisheye_3d_rotation "+MimeJSON, rotation, nil)
}

// upload runs the upload handshake: the header declares the size, "continue" asks for
// the payload, "uploading" frames report progress, "ok" or "error" settles.
func (s *Session) upload(ctx context.Context, name string, header string, data []byte, onProgress ProgressFunc) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}

	return s.do(ctx, name, func(ctx context.Context) error {
		// One "uploading" frame may arrive per chunk while the chunks are written.
		chunks := (len(data) + s.cfg.uploadChunkSize - 1) / s.cfg.uploadChunkSize
		p := s.newBufferedPendingOp(s.cfg.commandTimeout, true, chunks+subscriptionBufferSize)
		defer p.close()

		if err := p.send(header + " " + strconv.Itoa(len(data))); err != nil {
			return err
		}

		sent := false
		for {
			resp, err := p.nextMessage(ctx)
			if err != nil {
				return err
			}

			switch resp.Status {
			case StatusContinue:
				if sent {
					continue
				}
				sent = true

				if err := s.sendChunks(p, data); err != nil {
					return err
				}

			case StatusUploading:
				if n, ok := resp.Int("sent"); ok && onProgress != nil {
					onProgress(n, len(data))
				}

			case StatusOK:
				s.logger.Debug("upload completed", "op", name, "size", len(data))
				return nil

			case StatusError:
				return newRejectedError(resp)

			default:
				s.logger.Debug("ignore upload message", "op", name, "response", resp.Summary())
			}
		}
	})
}

// sendChunks writes data back-to-back in chunks of the configured size.
func (s *Session) sendChunks(p *pendingOp, data []byte) error {
	size := s.cfg.uploadChunkSize
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		if err := p.sendBinary(data[off:end]); err != nil {
			return err
		}
		s.metrics.addUploadBytes(end - off)
	}
	p.resetTimer()

	return nil
}

// DownloadFile downloads the file at p from the device.
func (s *Session) DownloadFile(ctx context.Context, p string, onProgress ProgressFunc) ([]byte, error) {
	return s.download(ctx, "downloadFile", "file download "+p, onProgress)
}

// DownloadLog downloads the named device log.
func (s *Session) DownloadLog(ctx context.Context, name string, onProgress ProgressFunc) ([]byte, error) {
	return s.download(ctx, "downloadLog", "fetch_log "+name, onProgress)
}

// download sends cmd and waits for the binary payload. "transfer" frames report
// progress as completed/size.
func (s *Session) download(ctx context.Context, name string, cmd string, onProgress ProgressFunc) ([]byte, error) {
	return doValue(ctx, s, name, func(ctx context.Context) ([]byte, error) {
		p := s.newPendingOp(s.cfg.commandTimeout, true)
		defer p.close()

		if err := p.send(cmd); err != nil {
			return nil, err
		}

		for {
			resp, err := p.nextMessage(ctx)
			if err != nil {
				return nil, err
			}

			switch {
			case resp.Kind == BinaryResponse:
				return resp.Data, nil

			case resp.Status == StatusTransfer:
				done, _ := resp.Int("completed")
				total, _ := resp.Int("size")
				if onProgress != nil {
					onProgress(done, total)
				}

			case resp.IsError():
				return nil, newRejectedError(resp)

			default:
				// "continue" announces the transfer
			}
		}
	})
}
