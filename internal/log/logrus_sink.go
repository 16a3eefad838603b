package log

import "github.com/sirupsen/logrus"

// LogrusSink adapts a *logrus.Logger to the Sink interface, for hosts that
// already standardize on logrus (as nexus and iota-sdk do in the reference
// pack) and want SDK diagnostics folded into their existing log stream.
type LogrusSink struct {
	Logger *logrus.Logger
}

func (s *LogrusSink) Log(level Level, msg string) {
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	switch level {
	case LevelDebug:
		logger.Debug(msg)
	case LevelWarn:
		logger.Warn(msg)
	default:
		logger.Error(msg)
	}
}
