package logger

import (
	"log"
	"os"
	"sync/atomic"
)

// Provider is sink for stack internal logging. Levels follow RFC5424, only Critical, Error, Warn and
// Debug are used.
type Provider interface {
	Critical(format string, v ...interface{})
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Debug(format string, v ...interface{})
}

// Logger is leveled logging facade used by network and transport managers. Output is disabled until
// enabled with LogMode so the stack stays silent by default.
type Logger struct {
	provider Provider
	// is log output enabled, 1: enable, 0: disable
	has uint32
}

// New creates logger writing to stdout with the given prefix
func New(prefix string) Logger {
	return Logger{
		provider: defaultLogger{
			log.New(os.Stdout, prefix, log.LstdFlags),
		},
	}
}

// LogMode enables or disables log output
func (l *Logger) LogMode(enable bool) {
	if enable {
		atomic.StoreUint32(&l.has, 1)
	} else {
		atomic.StoreUint32(&l.has, 0)
	}
}

// SetProvider replaces output provider
func (l *Logger) SetProvider(p Provider) {
	if p != nil {
		l.provider = p
	}
}

// Critical logs CRITICAL level message
func (l Logger) Critical(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.has) == 1 {
		l.provider.Critical(format, v...)
	}
}

// Error logs ERROR level message
func (l Logger) Error(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.has) == 1 {
		l.provider.Error(format, v...)
	}
}

// Warn logs WARN level message
func (l Logger) Warn(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.has) == 1 {
		l.provider.Warn(format, v...)
	}
}

// Debug logs DEBUG level message
func (l Logger) Debug(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.has) == 1 {
		l.provider.Debug(format, v...)
	}
}

type defaultLogger struct {
	*log.Logger
}

var _ Provider = (*defaultLogger)(nil)

func (l defaultLogger) Critical(format string, v ...interface{}) {
	l.Printf("[C]: "+format, v...)
}

func (l defaultLogger) Error(format string, v ...interface{}) {
	l.Printf("[E]: "+format, v...)
}

func (l defaultLogger) Warn(format string, v ...interface{}) {
	l.Printf("[W]: "+format, v...)
}

func (l defaultLogger) Debug(format string, v ...interface{}) {
	l.Printf("[D]: "+format, v...)
}
