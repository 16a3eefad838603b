// Package log provides the leveled logging sink used throughout the SDK.
//
// Tracing-infrastructure failures must never surface to user code (spec
// error-handling policy: "best-effort delivery"); every dispatcher, codec,
// and context failure funnels through here instead of being returned or
// panicking.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Level controls which calls are emitted.
type Level int32

const (
	LevelDebug Level = iota
	LevelWarn
	LevelError
	// LevelOff disables all logging.
	LevelOff
)

// Sink receives rendered log lines. The default sink wraps log/slog;
// SetSink lets a host application that already runs logrus redirect SDK
// logs without an adapter shim (see LogrusSink).
type Sink interface {
	Log(level Level, msg string)
}

type slogSink struct {
	logger *slog.Logger
}

func (s *slogSink) Log(level Level, msg string) {
	switch level {
	case LevelDebug:
		s.logger.Debug(msg)
	case LevelWarn:
		s.logger.Warn(msg)
	default:
		s.logger.Error(msg)
	}
}

var (
	currentLevel atomic.Int32
	currentSink  atomic.Pointer[Sink]
)

func init() {
	currentLevel.Store(int32(LevelWarn))
	defaultSink := Sink(&slogSink{logger: slog.New(slog.NewTextHandler(os.Stderr, nil))})
	currentSink.Store(&defaultSink)
}

// SetLevel adjusts the minimum level emitted. Tests use this to silence
// expected warnings (e.g. propagation failures) or to assert on them.
func SetLevel(l Level) { currentLevel.Store(int32(l)) }

// SetSink installs a custom sink, e.g. LogrusSink or a test-capturing sink.
func SetSink(s Sink) { currentSink.Store(&s) }

// SetOutput is a convenience for redirecting the default slog sink to an
// arbitrary writer, used by tests that want to assert on log content.
func SetOutput(w io.Writer) {
	s := Sink(&slogSink{logger: slog.New(slog.NewTextHandler(w, nil))})
	currentSink.Store(&s)
}

func emit(level Level, format string, args ...any) {
	if Level(currentLevel.Load()) > level {
		return
	}
	s := currentSink.Load()
	if s == nil {
		return
	}
	(*s).Log(level, fmt.Sprintf(format, args...))
}

func Debug(format string, args ...any) { emit(LevelDebug, format, args...) }
func Warn(format string, args ...any)  { emit(LevelWarn, format, args...) }
func Error(format string, args ...any) { emit(LevelError, format, args...) }
