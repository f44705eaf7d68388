package log

import (
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// PionFactory routes pion's internal logging through logrus. Every pion
// logger carries a "scope" field naming the pion subsystem (ice, sctp, ...).
//
// pion logs connection progress at info level; it is demoted to debug so
// the default output stays limited to what this program reports itself.
type PionFactory struct{}

func (PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{
		entry: logrus.WithField("scope", scope),
	}
}

type pionLogger struct {
	entry *logrus.Entry
}

func (l *pionLogger) Trace(msg string) {
	l.entry.Trace(msg)
}

func (l *pionLogger) Tracef(format string, args ...any) {
	l.entry.Tracef(format, args...)
}

func (l *pionLogger) Debug(msg string) {
	l.entry.Trace(msg)
}

func (l *pionLogger) Debugf(format string, args ...any) {
	l.entry.Tracef(format, args...)
}

func (l *pionLogger) Info(msg string) {
	l.entry.Debug(msg)
}

func (l *pionLogger) Infof(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

func (l *pionLogger) Warn(msg string) {
	l.entry.Warn(msg)
}

func (l *pionLogger) Warnf(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

func (l *pionLogger) Error(msg string) {
	l.entry.Error(msg)
}

func (l *pionLogger) Errorf(format string, args ...any) {
	l.entry.Errorf(format, args...)
}
