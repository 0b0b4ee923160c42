package clearance

import "log"

// Logger receives diagnostic output from a session. Implementations must be
// safe for concurrent use.
type Logger interface {
	Log(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Log(string, ...any) {}

// NewNoopLogger returns a logger that discards everything.
func NewNoopLogger() Logger {
	return noopLogger{}
}

type stdLogger struct {
	logger *log.Logger
}

func (s *stdLogger) Log(format string, args ...any) {
	s.logger.Printf(format, args...)
}

// NewStdLogger wraps a *log.Logger.
func NewStdLogger(l *log.Logger) Logger {
	return &stdLogger{logger: l}
}
