package smb3

import "github.com/sirupsen/logrus"

// Logger is the narrow logging interface the rest of this package
// depends on. Callers inject an implementation through Config; nothing
// here reaches for a package-global logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// NullLogger discards everything. It is the effective default when
// Config.Logger is left nil.
type NullLogger struct{}

func (NullLogger) Printf(string, ...interface{}) {}

// logrusLogger adapts a *logrus.Entry to the Logger interface, tagging
// every line with the connection and, where known, the command and
// message id of the frame being processed.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds the default concrete Logger, backed by
// logrus, pre-tagged with a connection identifier.
func NewLogrusLogger(connID string) Logger {
	return &logrusLogger{entry: logrus.WithField("conn_id", connID)}
}

func (l *logrusLogger) Printf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

// withFields returns a Logger carrying additional structured fields,
// used at call sites that know the current command/message id.
func withFields(l Logger, fields logrus.Fields) Logger {
	ll, ok := l.(*logrusLogger)
	if !ok {
		return l
	}
	return &logrusLogger{entry: ll.entry.WithFields(fields)}
}
