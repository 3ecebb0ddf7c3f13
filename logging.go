package surfelrec

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Logger is the logging surface used by the model, fusion and sessions.
// DebugEnabled lets callers skip building expensive debug output.
type Logger interface {
	DebugEnabled() bool
	SetDebug(enabled bool)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// ZapLogger adapts a zap sugared logger to Logger. Debug output is gated by
// SetDebug in addition to the zap level.
type ZapLogger struct {
	sugar *zap.SugaredLogger
	debug atomic.Bool
}

func NewZapLogger(l *zap.Logger, debug bool) *ZapLogger {
	z := &ZapLogger{sugar: l.Sugar()}
	z.debug.Store(debug)
	return z
}

// Named returns a child logger whose entries carry name, sharing the debug
// setting at the time of the call.
func (l *ZapLogger) Named(name string) *ZapLogger {
	return NewZapLogger(l.sugar.Desugar().Named(name), l.debug.Load())
}

func (l *ZapLogger) DebugEnabled() bool    { return l.debug.Load() }
func (l *ZapLogger) SetDebug(enabled bool) { l.debug.Store(enabled) }

func (l *ZapLogger) Debugf(format string, args ...any) {
	if !l.debug.Load() {
		return
	}
	l.sugar.Debugf(format, args...)
}

func (l *ZapLogger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *ZapLogger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *ZapLogger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// NopLogger discards everything. Used when no logger is injected.
type NopLogger struct{}

func (NopLogger) DebugEnabled() bool    { return false }
func (NopLogger) SetDebug(bool)         {}
func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}
