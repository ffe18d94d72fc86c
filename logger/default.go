package logger

import (
	"os"
	"sync/atomic"
)

type loggerHolder struct{ Logger }

var defLogger atomic.Pointer[loggerHolder]

func init() {
	level := InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = ParseLevel(v)
	}
	defLogger.Store(&loggerHolder{NewSlog(level, false)})
}

// GetLogger returns the process wide default logger.
// Sessions, transports and task managers fall back to it when no logger is configured.
func GetLogger() Logger {
	return defLogger.Load().Logger
}

// SetLogger replaces the default logger. A nil logger is ignored.
func SetLogger(l Logger) {
	if l != nil {
		defLogger.Store(&loggerHolder{l})
	}
}

// SetLevel changes the level of the default logger.
func SetLevel(level Level) {
	GetLogger().SetLevel(level)
}

// With returns a child of the default logger carrying the given key/value pairs.
func With(keyValues ...any) Logger {
	return GetLogger().With(keyValues...)
}
