package utils

import (
	"log"
	"os"
	"sync/atomic"
)

// Logger is a thin leveled wrapper around the standard logger. Debug output
// is off unless ROADWATCH_DEBUG is set or EnableDebug is called.
type Logger struct {
	std   *log.Logger
	debug atomic.Bool
}

func NewLogger() *Logger {
	l := &Logger{std: log.New(os.Stderr, "", log.LstdFlags|log.LUTC)}
	if os.Getenv("ROADWATCH_DEBUG") != "" {
		l.debug.Store(true)
	}
	return l
}

func (l *Logger) EnableDebug(on bool) {
	if l == nil {
		return
	}
	l.debug.Store(on)
}

func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.std.Printf(format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || !l.debug.Load() {
		return
	}
	l.std.Printf("DEBUG "+format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.std.Printf("WARN "+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.std.Printf("ERROR "+format, args...)
}
