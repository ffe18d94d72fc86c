package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-beamctl/logger"
)

// Default session timing and limits.
const (
	DefaultConnectTimeout = 30 * time.Second // connect handshake, refreshed on every connecting event
	DefaultCommandTimeout = 30 * time.Second // per operation window
	DefaultReportTimeout  = 3 * time.Second  // overall window of Report

	DefaultConvergeInterval   = 2 * time.Second // delay between abort/quit retries
	DefaultConvergeRetryLimit = 3

	DefaultReportRetryLimit = 3

	DefaultLineCheckRetryDelay = 200 * time.Millisecond
	DefaultLineCheckRetryLimit = 5 // enter/exit line check and structured raw queries

	DefaultRawSettleDelay       = 3 * time.Second
	DefaultCartridgeSettleDelay = time.Second
	DefaultKillGracePeriod      = 500 * time.Millisecond

	DefaultTaskQueueLimit  = 30
	DefaultUploadChunkSize = 4096

	// DefaultRawProtocolVersion selects the raw opcode table.
	DefaultRawProtocolVersion = 1
)

// Supported raw protocol versions.
const (
	RawProtocolV1 = 1
	RawProtocolV2 = 2
)

// SessionConfig holds the configuration of a Session.
type SessionConfig struct {
	connectTimeout time.Duration
	commandTimeout time.Duration
	reportTimeout  time.Duration

	convergeInterval   time.Duration
	convergeRetryLimit int
	reportRetryLimit   int

	lineCheckRetryDelay time.Duration
	lineCheckRetryLimit int
	// lineCheckResendLimit bounds ER/ERL resends of a line checked command.
	// Zero keeps the resend unbounded.
	lineCheckResendLimit int

	rawSettleDelay       time.Duration
	cartridgeSettleDelay time.Duration
	killGracePeriod      time.Duration

	taskQueueLimit  int
	uploadChunkSize int

	authToken          string
	rawProtocolVersion int
	auxTransport       Transport

	logger logger.Logger
}

// NewSessionConfig creates a SessionConfig with defaults and applies opts in order.
func NewSessionConfig(opts ...SessionOption) (*SessionConfig, error) {
	cfg := &SessionConfig{
		connectTimeout:       DefaultConnectTimeout,
		commandTimeout:       DefaultCommandTimeout,
		reportTimeout:        DefaultReportTimeout,
		convergeInterval:     DefaultConvergeInterval,
		convergeRetryLimit:   DefaultConvergeRetryLimit,
		reportRetryLimit:     DefaultReportRetryLimit,
		lineCheckRetryDelay:  DefaultLineCheckRetryDelay,
		lineCheckRetryLimit:  DefaultLineCheckRetryLimit,
		rawSettleDelay:       DefaultRawSettleDelay,
		cartridgeSettleDelay: DefaultCartridgeSettleDelay,
		killGracePeriod:      DefaultKillGracePeriod,
		taskQueueLimit:       DefaultTaskQueueLimit,
		uploadChunkSize:      DefaultUploadChunkSize,
		rawProtocolVersion:   DefaultRawProtocolVersion,
		logger:               logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- Getters ---

// ConnectTimeout returns the connect handshake timeout.
func (cfg *SessionConfig) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// CommandTimeout returns the default per operation timeout.
func (cfg *SessionConfig) CommandTimeout() time.Duration { return cfg.commandTimeout }

// ReportTimeout returns the overall timeout of Report.
func (cfg *SessionConfig) ReportTimeout() time.Duration { return cfg.reportTimeout }

// ConvergeInterval returns the delay between abort/quit retries.
func (cfg *SessionConfig) ConvergeInterval() time.Duration { return cfg.convergeInterval }

// ConvergeRetryLimit returns the abort/quit retry budget.
func (cfg *SessionConfig) ConvergeRetryLimit() int { return cfg.convergeRetryLimit }

// LineCheckRetryDelay returns the backoff before resending a line check sentinel.
func (cfg *SessionConfig) LineCheckRetryDelay() time.Duration { return cfg.lineCheckRetryDelay }

// LineCheckRetryLimit returns the retry budget of line check enter/exit.
func (cfg *SessionConfig) LineCheckRetryLimit() int { return cfg.lineCheckRetryLimit }

// LineCheckResendLimit returns the ER/ERL resend bound; zero means unbounded.
func (cfg *SessionConfig) LineCheckResendLimit() int { return cfg.lineCheckResendLimit }

// TaskQueueLimit returns the task queue bound.
func (cfg *SessionConfig) TaskQueueLimit() int { return cfg.taskQueueLimit }

// UploadChunkSize returns the upload chunk size in bytes.
func (cfg *SessionConfig) UploadChunkSize() int { return cfg.uploadChunkSize }

// RawProtocolVersion returns the raw opcode table version.
func (cfg *SessionConfig) RawProtocolVersion() int { return cfg.rawProtocolVersion }

// GetLogger returns the configured logger.
func (cfg *SessionConfig) GetLogger() logger.Logger { return cfg.logger }

// auxConfig returns a copy suitable for the auxiliary channel session.
func (cfg *SessionConfig) auxConfig() *SessionConfig {
	aux := *cfg
	aux.auxTransport = nil

	return &aux
}

// --- SessionOption ---

// SessionOption is a functional option for configuring a SessionConfig.
type SessionOption interface {
	apply(*SessionConfig) error
}

type sessionOptFunc func(*SessionConfig) error

func (f sessionOptFunc) apply(cfg *SessionConfig) error { return f(cfg) }

func checkPositive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("control: %s must be positive, got %v", name, d)
	}

	return nil
}

// WithConnectTimeout sets the connect handshake timeout.
func WithConnectTimeout(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if err := checkPositive("connect timeout", d); err != nil {
			return err
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithCommandTimeout sets the default per operation timeout.
func WithCommandTimeout(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if err := checkPositive("command timeout", d); err != nil {
			return err
		}
		cfg.commandTimeout = d

		return nil
	})
}

// WithReportTimeout sets the overall timeout of Report.
func WithReportTimeout(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if err := checkPositive("report timeout", d); err != nil {
			return err
		}
		cfg.reportTimeout = d

		return nil
	})
}

// WithConvergeInterval sets the delay between abort/quit retries.
func WithConvergeInterval(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if err := checkPositive("converge interval", d); err != nil {
			return err
		}
		cfg.convergeInterval = d

		return nil
	})
}

// WithConvergeRetryLimit sets the abort/quit retry budget.
func WithConvergeRetryLimit(n int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if n < 1 {
			return errors.New("control: converge retry limit must be >= 1")
		}
		cfg.convergeRetryLimit = n

		return nil
	})
}

// WithReportRetryLimit sets how many times Report resends before rejecting.
func WithReportRetryLimit(n int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if n < 0 {
			return errors.New("control: report retry limit must be >= 0")
		}
		cfg.reportRetryLimit = n

		return nil
	})
}

// WithLineCheckRetryDelay sets the backoff before resending a line check sentinel
// or a structured raw query.
func WithLineCheckRetryDelay(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d < 0 {
			return errors.New("control: line check retry delay must not be negative")
		}
		cfg.lineCheckRetryDelay = d

		return nil
	})
}

// WithLineCheckRetryLimit sets the retry budget of line check enter/exit and structured raw queries.
func WithLineCheckRetryLimit(n int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if n < 1 {
			return errors.New("control: line check retry limit must be >= 1")
		}
		cfg.lineCheckRetryLimit = n

		return nil
	})
}

// WithLineCheckResendLimit bounds the ER/ERL resends of a line checked command.
// Zero, the default, keeps resends unbounded.
func WithLineCheckResendLimit(n int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if n < 0 {
			return errors.New("control: line check resend limit must be >= 0")
		}
		cfg.lineCheckResendLimit = n

		return nil
	})
}

// WithRawSettleDelay sets the delay after "task raw" before raw commands are accepted.
func WithRawSettleDelay(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d < 0 {
			return errors.New("control: raw settle delay must not be negative")
		}
		cfg.rawSettleDelay = d

		return nil
	})
}

// WithCartridgeSettleDelay sets the delay after "task cartridge_io".
func WithCartridgeSettleDelay(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d < 0 {
			return errors.New("control: cartridge settle delay must not be negative")
		}
		cfg.cartridgeSettleDelay = d

		return nil
	})
}

// WithKillGracePeriod sets how long KillSelf waits after closing the channels.
func WithKillGracePeriod(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d < 0 {
			return errors.New("control: kill grace period must not be negative")
		}
		cfg.killGracePeriod = d

		return nil
	})
}

// WithTaskQueueLimit sets the backlog length above which the task queue drops its backlog.
func WithTaskQueueLimit(n int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if n < 1 {
			return errors.New("control: task queue limit must be >= 1")
		}
		cfg.taskQueueLimit = n

		return nil
	})
}

// WithUploadChunkSize sets the upload chunk size.
func WithUploadChunkSize(size int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if size < 1 {
			return errors.New("control: upload chunk size must be >= 1")
		}
		cfg.uploadChunkSize = size

		return nil
	})
}

// WithAuthToken sets the token sent when the channel opens.
func WithAuthToken(token string) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		cfg.authToken = token
		return nil
	})
}

// WithRawProtocolVersion selects the raw opcode table.
func WithRawProtocolVersion(version int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if version != RawProtocolV1 && version != RawProtocolV2 {
			return fmt.Errorf("control: unsupported raw protocol version %d", version)
		}
		cfg.rawProtocolVersion = version

		return nil
	})
}

// WithAuxiliaryTransport attaches a secondary channel used for long running
// queries such as file metadata lookups.
func WithAuxiliaryTransport(t Transport) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if t == nil {
			return errors.New("control: auxiliary transport must not be nil")
		}
		cfg.auxTransport = t

		return nil
	})
}

// WithLogger sets the logger for the session.
func WithLogger(l logger.Logger) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if l == nil {
			return errors.New("control: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
