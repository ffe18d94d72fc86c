package control

import (
	"context"
	"math/rand/v2"
	"time"
)

// Mode is an exclusive device sub-protocol.
type Mode uint8

const (
	ModeIdle Mode = iota
	ModeRaw
	ModeCartridgeIO
	ModeRedLaserMeasure
)

// String returns the task name the device uses for the mode.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeRaw:
		return "raw"
	case ModeCartridgeIO:
		return "cartridge_io"
	case ModeRedLaserMeasure:
		return "red_laser_measure"
	default:
		return "unknown"
	}
}

// Mode returns the current mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

// CartridgeTaskID returns the JSON-RPC id used in cartridge I/O mode, zero outside it.
func (s *Session) CartridgeTaskID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cartridgeTaskID
}

// requireMode fails with ErrModeMismatch unless the session is in mode m.
func (s *Session) requireMode(m Mode) error {
	if cur := s.Mode(); cur != m {
		return newModeMismatchError(m, cur)
	}

	return nil
}

func (s *Session) setMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = m
}

// enterMode sends "task <mode>", waits for the reply and the settle delay, then
// switches the mode flag.
func (s *Session) enterMode(ctx context.Context, m Mode, settle time.Duration) error {
	if err := s.requireMode(ModeIdle); err != nil {
		return err
	}

	return s.do(ctx, "enter_"+m.String(), func(ctx context.Context) error {
		if err := s.requireMode(ModeIdle); err != nil {
			return err
		}

		if _, err := s.anyResponse(ctx, "task "+m.String(), 0); err != nil {
			return err
		}

		if err := sleepCtx(ctx, settle); err != nil {
			return err
		}

		s.mu.Lock()
		s.mode = m
		if m == ModeCartridgeIO {
			s.cartridgeTaskID = rand.Int64N(2_000_000_000) + 1
		}
		s.mu.Unlock()

		s.logger.Info("mode entered", "mode", m)

		return nil
	})
}

// exitMode sends "task quit" and resets the mode to idle. Mode scoped state is left
// untouched; cleanup runs after the reset when given.
func (s *Session) exitMode(ctx context.Context, m Mode, cleanup func()) error {
	if err := s.requireMode(m); err != nil {
		return err
	}

	return s.do(ctx, "exit_"+m.String(), func(ctx context.Context) error {
		if err := s.requireMode(m); err != nil {
			return err
		}

		if err := s.quitTask(ctx); err != nil {
			return err
		}

		if cleanup != nil {
			cleanup()
		}

		return nil
	})
}

func (s *Session) quitTask(ctx context.Context) error {
	if _, err := s.anyResponse(ctx, "task quit", 0); err != nil {
		return err
	}

	prev := s.Mode()
	s.setMode(ModeIdle)
	s.logger.Info("mode exited", "mode", prev)

	return nil
}

// QuitTask sends "task quit" regardless of the current mode and resets the mode to idle.
// Mode scoped state such as the cartridge task id and line check state is kept.
func (s *Session) QuitTask(ctx context.Context) error {
	return s.do(ctx, "quitTask", s.quitTask)
}

// EnterRawMode enters raw motion mode. Raw commands are accepted after the raw settle delay.
func (s *Session) EnterRawMode(ctx context.Context) error {
	return s.enterMode(ctx, ModeRaw, s.cfg.rawSettleDelay)
}

// EndRawMode leaves raw mode and clears the line check state.
func (s *Session) EndRawMode(ctx context.Context) error {
	return s.exitMode(ctx, ModeRaw, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.lineCheck = false
		s.lineNumber = 0
	})
}

// EnterCartridgeIOMode enters cartridge I/O mode and assigns a fresh cartridge task id.
func (s *Session) EnterCartridgeIOMode(ctx context.Context) error {
	return s.enterMode(ctx, ModeCartridgeIO, s.cfg.cartridgeSettleDelay)
}

// EndCartridgeIOMode leaves cartridge I/O mode and clears the cartridge task id.
func (s *Session) EndCartridgeIOMode(ctx context.Context) error {
	return s.exitMode(ctx, ModeCartridgeIO, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.cartridgeTaskID = 0
	})
}

// EnterRedLaserMeasureMode enters red laser measurement mode.
func (s *Session) EnterRedLaserMeasureMode(ctx context.Context) error {
	return s.enterMode(ctx, ModeRedLaserMeasure, 0)
}

// EndRedLaserMeasureMode leaves red laser measurement mode.
func (s *Session) EndRedLaserMeasureMode(ctx context.Context) error {
	return s.exitMode(ctx, ModeRedLaserMeasure, nil)
}
