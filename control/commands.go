package control

import (
	"context"
	"encoding/json"
	"fmt"
)

// simple sends cmd as a queued any-response exchange.
func (s *Session) simple(ctx context.Context, name string, cmd string) (*Response, error) {
	return doValue(ctx, s, name, func(ctx context.Context) (*Response, error) {
		return s.anyResponse(ctx, cmd, 0)
	})
}

// Start starts the uploaded task.
func (s *Session) Start(ctx context.Context) (*Response, error) {
	return s.simple(ctx, "start", "play start")
}

// Pause pauses the running task.
func (s *Session) Pause(ctx context.Context) (*Response, error) {
	return s.simple(ctx, "pause", "play pause")
}

// Resume resumes the paused task.
func (s *Session) Resume(ctx context.Context) (*Response, error) {
	return s.simple(ctx, "resume", "play resume")
}

// Kick wakes up the device control process.
func (s *Session) Kick(ctx context.Context) (*Response, error) {
	return s.simple(ctx, "kick", "kick")
}

// DeviceInfo returns the device information fields.
func (s *Session) DeviceInfo(ctx context.Context) (*Response, error) {
	return s.simple(ctx, "deviceInfo", "deviceinfo")
}

// --- Device settings ---

// GetDeviceSetting reads the persisted setting key.
func (s *Session) GetDeviceSetting(ctx context.Context, key string) (*Response, error) {
	return s.simple(ctx, "getDeviceSetting", "config get "+key)
}

// SetDeviceSetting persists value under key.
func (s *Session) SetDeviceSetting(ctx context.Context, key string, value string) (*Response, error) {
	return s.simple(ctx, "setDeviceSetting", "config set "+key+" "+value)
}

// DeleteDeviceSetting removes the persisted setting key.
func (s *Session) DeleteDeviceSetting(ctx context.Context, key string) (*Response, error) {
	return s.simple(ctx, "deleteDeviceSetting", "config del "+key)
}

// SetLaserPower tunes the laser power of the running task.
func (s *Session) SetLaserPower(ctx context.Context, power float64) (*Response, error) {
	return s.simple(ctx, "setLaserPower", "play set_laser_power "+formatCoord(power))
}

// SetLaserSpeed tunes the speed of the running task.
func (s *Session) SetLaserSpeed(ctx context.Context, speed float64) (*Response, error) {
	return s.simple(ctx, "setLaserSpeed", "play set_laser_speed "+formatCoord(speed))
}

// SetFan tunes the fan speed of the running task.
func (s *Session) SetFan(ctx context.Context, fan int) (*Response, error) {
	return s.simple(ctx, "setFan", fmt.Sprintf("play set_fan %d", fan))
}

// GetLaserPower returns the laser power of the running task.
func (s *Session) GetLaserPower(ctx context.Context) (float64, error) {
	return s.playValue(ctx, "getLaserPower", "play get_laser_power")
}

// GetLaserSpeed returns the speed of the running task.
func (s *Session) GetLaserSpeed(ctx context.Context) (float64, error) {
	return s.playValue(ctx, "getLaserSpeed", "play get_laser_speed")
}

// GetFan returns the fan speed of the running task.
func (s *Session) GetFan(ctx context.Context) (float64, error) {
	return s.playValue(ctx, "getFan", "play get_fan")
}

func (s *Session) playValue(ctx context.Context, name string, cmd string) (float64, error) {
	resp, err := s.simple(ctx, name, cmd)
	if err != nil {
		return 0, err
	}

	v, ok := resp.Float("value")
	if !ok {
		return 0, fmt.Errorf("%w: %s without value: %s", ErrInvalidPayload, cmd, resp.Summary())
	}

	return v, nil
}

// --- Files ---

// DirEntries is the listing of a device directory.
type DirEntries struct {
	Path        string
	Directories []string
	Files       []string
}

// Ls lists the device directory dir.
func (s *Session) Ls(ctx context.Context, dir string) (*DirEntries, error) {
	resp, err := s.simple(ctx, "ls", "file ls "+dir)
	if err != nil {
		return nil, err
	}

	return &DirEntries{
		Path:        dir,
		Directories: stringList(resp.Fields["directories"]),
		Files:       stringList(resp.Fields["files"]),
	}, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}

	return out
}

// FileInfo returns the metadata of the device file at p. Binary frames such as
// thumbnails are collected in the result; the final "ok" response carries the
// metadata fields.
//
// The query runs on the auxiliary channel when one is connected.
func (s *Session) FileInfo(ctx context.Context, p string) (*Accumulated, error) {
	target := s
	if s.aux != nil && s.aux.IsConnected() {
		target = s.aux
	}

	return doValue(ctx, target, "fileInfo", func(ctx context.Context) (*Accumulated, error) {
		return target.accumulateUntilOK(ctx, "file fileinfo "+p, 0)
	})
}

// DeleteFile removes the device file at p.
func (s *Session) DeleteFile(ctx context.Context, p string) (*Response, error) {
	return s.simple(ctx, "deleteFile", "file rm "+p)
}

// --- Cartridge I/O ---

type rpcRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// CartridgeRPC forwards a JSON-RPC request to the cartridge and returns the final
// "ok" response. It requires cartridge I/O mode.
func (s *Session) CartridgeRPC(ctx context.Context, method string, params any) (*Response, error) {
	if err := s.requireMode(ModeCartridgeIO); err != nil {
		return nil, err
	}

	return doValue(ctx, s, "cartridgeRPC", func(ctx context.Context) (*Response, error) {
		if err := s.requireMode(ModeCartridgeIO); err != nil {
			return nil, err
		}

		req, err := json.Marshal(rpcRequest{ID: s.CartridgeTaskID(), Method: method, Params: params})
		if err != nil {
			return nil, fmt.Errorf("control: encode rpc request: %w", err)
		}

		acc, err := s.accumulateUntilOK(ctx, "jsonrpc_req "+string(req), 0)
		if err != nil {
			return nil, err
		}

		return acc.Last, nil
	})
}

// --- Red laser measurement ---

// RedLaserTakeReferenceZ records the reference height and returns it.
// It requires red laser measurement mode.
func (s *Session) RedLaserTakeReferenceZ(ctx context.Context) (float64, error) {
	return s.redLaserZ(ctx, "redLaserTakeReferenceZ", "take_reference_z")
}

// RedLaserMeasureZ measures the height at x, y.
// It requires red laser measurement mode.
func (s *Session) RedLaserMeasureZ(ctx context.Context, x float64, y float64) (float64, error) {
	return s.redLaserZ(ctx, "redLaserMeasureZ", "measure_z "+formatCoord(x)+" "+formatCoord(y))
}

func (s *Session) redLaserZ(ctx context.Context, name string, cmd string) (float64, error) {
	if err := s.requireMode(ModeRedLaserMeasure); err != nil {
		return 0, err
	}

	return doValue(ctx, s, name, func(ctx context.Context) (float64, error) {
		if err := s.requireMode(ModeRedLaserMeasure); err != nil {
			return 0, err
		}

		resp, err := s.anyResponse(ctx, cmd, 0)
		if err != nil {
			return 0, err
		}

		z, ok := resp.Float("z")
		if !ok {
			return 0, fmt.Errorf("%w: %s without z: %s", ErrInvalidPayload, cmd, resp.Summary())
		}

		return z, nil
	})
}
