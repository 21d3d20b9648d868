// Package log provides the process-wide structured logger used by every
// engine package. It wraps logrus behind a narrow interface so call sites
// never import logrus directly.
package log

import "sync"

// Logger is the structured logging interface every package logs through.
type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	mu     sync.RWMutex
	logger Logger
)

// GetLogger returns the process-wide logger. Before Init is ever called it
// lazily installs the console default so early startup code never sees nil.
func GetLogger() Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		cfg := DefaultConfig()
		_ = initByConfig(&cfg)
	}
	return logger
}

// Init installs cfg as the process-wide logger configuration. Safe to call
// again later (e.g. on a viper config hot-reload of the log level).
func Init(cfg LoggerConfig) error {
	mu.Lock()
	defer mu.Unlock()
	return initByConfig(&cfg)
}
