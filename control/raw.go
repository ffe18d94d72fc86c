package control

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// rawQueryRetryLimit bounds the attempts of structured raw queries.
const rawQueryRetryLimit = 5

// Position is a machine position reported in raw mode.
type Position struct {
	X float64
	Y float64
	Z float64
	A float64
}

// ProbeResult is the payload of a probe position query.
type ProbeResult struct {
	Position
	// Flag is the probe trigger flag reported by the device.
	Flag int
}

// MoveParams describes a linear move. Z is optional.
type MoveParams struct {
	F float64
	X float64
	Y float64
	Z *float64
}

// rawOpcode selects the command for a raw protocol version.
type rawOpcode struct {
	v1 string
	v2 string
}

var (
	opWaterPumpOn  = rawOpcode{v1: "B12", v2: "M136P1"}
	opWaterPumpOff = rawOpcode{v1: "B13", v2: "M136P2"}
	opAirPumpOn    = rawOpcode{v1: "B15", v2: "M136P3"}
	opAirPumpOff   = rawOpcode{v1: "B16", v2: "M136P4"}
	opFanOn        = rawOpcode{v1: "M801", v2: "M136P5"}
	opFanOff       = rawOpcode{v1: "M802", v2: "M136P6"}
)

const (
	rawHomeCmd          = "$H"
	rawUnlockCmd        = "$X"
	rawSetOriginCmd     = "G92X0Y0"
	rawAutoFocusCmd     = "B50"
	rawRotaryOnCmd      = "R1"
	rawRotaryOffCmd     = "R0"
	rawLooseMotorCmd    = "B34"
	rawLaserOffCmd      = "X2O0"
	rawRedLightOnCmd    = "D1R"
	rawRedLightOffCmd   = "D0R"
	rawProbePositionCmd = "M136P254"
	rawLastPositionCmd  = "M136P255"
	rawMeasureHeightCmd = "M136P256"
)

var (
	probePattern   = regexp.MustCompile(`\[PRB:([^,\]]+),([^,\]]+),([^,\]]+),([^:\]]+):([^\]]+)\]`)
	lastPosPattern = regexp.MustCompile(`\[LAST_POS:([^,\]]+),([^,\]]+),([^,\]]+),([^\]]+)\]`)
)

func (s *Session) opcode(op rawOpcode) string {
	if s.cfg.rawProtocolVersion >= RawProtocolV2 {
		return op.v2
	}

	return op.v1
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// rawCommand runs cmd in raw mode. Under line check mode the command goes through the
// line check executor; otherwise the first reply settles it.
func (s *Session) rawCommand(ctx context.Context, name string, cmd string) (string, error) {
	if err := s.requireMode(ModeRaw); err != nil {
		return "", err
	}

	return doValue(ctx, s, name, func(ctx context.Context) (string, error) {
		if err := s.requireMode(ModeRaw); err != nil {
			return "", err
		}

		if s.IsLineCheckMode() {
			return s.execLineCheck(ctx, cmd)
		}

		resp, err := s.anyResponse(ctx, cmd, 0)
		if err != nil {
			return "", err
		}

		if resp.Kind == RawResponse {
			return resp.Text, nil
		}

		return resp.Summary(), nil
	})
}

// rawQuery runs a raw command whose reply carries a structured payload. The command is
// framed once under line check mode and resent unchanged.
func (s *Session) rawQuery(ctx context.Context, name string, cmd string, match func(text string) bool) (string, error) {
	if err := s.requireMode(ModeRaw); err != nil {
		return "", err
	}

	return doValue(ctx, s, name, func(ctx context.Context) (string, error) {
		if err := s.requireMode(ModeRaw); err != nil {
			return "", err
		}

		lineCheck := s.IsLineCheckMode()
		frame := cmd
		if lineCheck {
			frame = FrameCommand(s.LineNumber(), cmd)
		}

		out, err := s.runLineExchange(ctx, lineExchange{
			name:    name,
			command: func() string { return frame },
			classify: func(text string) (lineVerdict, int) {
				switch {
				case match(text):
					return lineDone, noResync
				case isErrorLine(text) || strings.HasPrefix(text, "ER"):
					return lineResend, noResync
				default:
					return lineContinue, noResync
				}
			},
			retryLimit: rawQueryRetryLimit,
			retryDelay: s.cfg.lineCheckRetryDelay,
			timeout:    s.cfg.commandTimeout,
			dropDebug:  true,
		})
		if err != nil {
			return "", err
		}

		if lineCheck {
			s.incLineNumber()
		}

		return out, nil
	})
}

// RawSend runs an arbitrary raw command.
func (s *Session) RawSend(ctx context.Context, cmd string) (string, error) {
	return s.rawCommand(ctx, "rawSend", cmd)
}

// RawHome homes all axes and waits for the device to report completion.
func (s *Session) RawHome(ctx context.Context) error {
	_, err := s.rawQuery(ctx, "rawHome", rawHomeCmd, func(text string) bool {
		if text == "ok" {
			return true
		}

		seq := strconv.Itoa(s.LineNumber())

		return s.IsLineCheckMode() && (strings.HasPrefix(text, "LN"+seq+" 0") || strings.HasPrefix(text, "L"+seq+" 0"))
	})

	return err
}

// RawUnlock clears the alarm lock.
func (s *Session) RawUnlock(ctx context.Context) error {
	_, err := s.rawCommand(ctx, "rawUnlock", rawUnlockCmd)
	return err
}

// RawMove performs a linear move.
func (s *Session) RawMove(ctx context.Context, p MoveParams) error {
	var sb strings.Builder
	sb.WriteString("G1F")
	sb.WriteString(formatCoord(p.F))
	sb.WriteString("X")
	sb.WriteString(formatCoord(p.X))
	sb.WriteString("Y")
	sb.WriteString(formatCoord(p.Y))
	if p.Z != nil {
		sb.WriteString("Z")
		sb.WriteString(formatCoord(*p.Z))
	}

	_, err := s.rawCommand(ctx, "rawMove", sb.String())

	return err
}

// RawSetOrigin sets the current XY position as origin.
func (s *Session) RawSetOrigin(ctx context.Context) error {
	_, err := s.rawCommand(ctx, "rawSetOrigin", rawSetOriginCmd)
	return err
}

// RawAutoFocus runs the autofocus routine.
func (s *Session) RawAutoFocus(ctx context.Context) error {
	_, err := s.rawCommand(ctx, "rawAutoFocus", rawAutoFocusCmd)
	return err
}

// RawSetWaterPump switches the water pump.
func (s *Session) RawSetWaterPump(ctx context.Context, on bool) error {
	return s.rawToggle(ctx, "rawSetWaterPump", on, s.opcode(opWaterPumpOn), s.opcode(opWaterPumpOff))
}

// RawSetAirPump switches the air pump.
func (s *Session) RawSetAirPump(ctx context.Context, on bool) error {
	return s.rawToggle(ctx, "rawSetAirPump", on, s.opcode(opAirPumpOn), s.opcode(opAirPumpOff))
}

// RawSetFan switches the exhaust fan.
func (s *Session) RawSetFan(ctx context.Context, on bool) error {
	return s.rawToggle(ctx, "rawSetFan", on, s.opcode(opFanOn), s.opcode(opFanOff))
}

// RawSetRotary switches the rotary axis.
func (s *Session) RawSetRotary(ctx context.Context, on bool) error {
	return s.rawToggle(ctx, "rawSetRotary", on, rawRotaryOnCmd, rawRotaryOffCmd)
}

// RawSetRedLight switches the red pointer.
func (s *Session) RawSetRedLight(ctx context.Context, on bool) error {
	return s.rawToggle(ctx, "rawSetRedLight", on, rawRedLightOnCmd, rawRedLightOffCmd)
}

// RawLooseMotor releases the stepper motors.
func (s *Session) RawLooseMotor(ctx context.Context) error {
	_, err := s.rawCommand(ctx, "rawLooseMotor", rawLooseMotorCmd)
	return err
}

// RawSetLaser fires the laser at power, or switches it off when power is zero.
func (s *Session) RawSetLaser(ctx context.Context, power float64) error {
	cmd := rawLaserOffCmd
	if power > 0 {
		cmd = "X2O" + formatCoord(power)
	}

	_, err := s.rawCommand(ctx, "rawSetLaser", cmd)

	return err
}

func (s *Session) rawToggle(ctx context.Context, name string, on bool, onCmd string, offCmd string) error {
	cmd := offCmd
	if on {
		cmd = onCmd
	}

	_, err := s.rawCommand(ctx, name, cmd)

	return err
}

// RawGetProbePosition queries the last probe result, reported as [PRB:x,y,z,a:flag].
func (s *Session) RawGetProbePosition(ctx context.Context) (*ProbeResult, error) {
	out, err := s.rawQuery(ctx, "rawGetProbePosition", rawProbePositionCmd, probePattern.MatchString)
	if err != nil {
		return nil, err
	}

	return parseProbe(out)
}

// RawGetLastPosition queries the last known position, reported as [LAST_POS:x,y,z,a].
func (s *Session) RawGetLastPosition(ctx context.Context) (*Position, error) {
	out, err := s.rawQuery(ctx, "rawGetLastPosition", rawLastPositionCmd, lastPosPattern.MatchString)
	if err != nil {
		return nil, err
	}

	return parseLastPosition(out)
}

// RawMeasureHeight measures the work piece height and returns the reported z_pos.
func (s *Session) RawMeasureHeight(ctx context.Context) (float64, error) {
	out, err := s.rawQuery(ctx, "rawMeasureHeight", rawMeasureHeightCmd, func(text string) bool {
		_, ok := parseHeightLine(text)
		return ok
	})
	if err != nil {
		return 0, err
	}

	for _, l := range strings.Split(out, "\n") {
		if z, ok := parseHeightLine(strings.TrimSpace(l)); ok {
			return z, nil
		}
	}

	return 0, fmt.Errorf("%w: no z_pos in %q", ErrInvalidPayload, out)
}

func parseFloats(values ...string) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		out[i] = f
	}

	return out, nil
}

func parseProbe(text string) (*ProbeResult, error) {
	m := probePattern.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("%w: no probe position in %q", ErrInvalidPayload, text)
	}

	v, err := parseFloats(m[1], m[2], m[3], m[4])
	if err != nil {
		return nil, err
	}

	flag, err := strconv.Atoi(strings.TrimSpace(m[5]))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return &ProbeResult{Position: Position{X: v[0], Y: v[1], Z: v[2], A: v[3]}, Flag: flag}, nil
}

func parseLastPosition(text string) (*Position, error) {
	m := lastPosPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("%w: no last position in %q", ErrInvalidPayload, text)
	}

	v, err := parseFloats(m[1], m[2], m[3], m[4])
	if err != nil {
		return nil, err
	}

	return &Position{X: v[0], Y: v[1], Z: v[2], A: v[3]}, nil
}

func parseHeightLine(text string) (float64, bool) {
	if !strings.HasPrefix(text, "{") {
		return 0, false
	}

	var payload struct {
		ZPos *float64 `json:"z_pos"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil || payload.ZPos == nil {
		return 0, false
	}

	return *payload.ZPos, true
}
