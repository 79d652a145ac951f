// Package log provides the structured logging surface shared by every
// pipeline stage. It keeps the Begin/Complete/Fail call shape familiar from
// simpler progress-printing tools, but emits logrus fields instead of bare
// strings so a run can be correlated by component, KB, or filename.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Entry scoped to one pipeline component.
type Logger struct {
	entry *logrus.Entry
}

var base = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}()

// SetVerbose raises the base logger to debug level.
func SetVerbose(verbose bool) {
	if verbose {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
}

// For returns a Logger scoped to the named component, e.g. "catalog",
// "archive", "symbolserver".
func For(component string) *Logger {
	return &Logger{entry: base.WithField("component", component)}
}

// With returns a copy of l with an additional field attached, e.g.
// log.For("archive").With("kb", "KB5016616").Begin("unpacking update")
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// Begin logs the start of a unit of work at info level.
func (l *Logger) Begin(message string, args ...interface{}) {
	l.entry.Infof(message, args...)
}

// Complete logs the end of a unit of work at info level.
func (l *Logger) Complete(message string, args ...interface{}) {
	l.entry.Infof(message, args...)
}

// Debug logs at debug level, gated by SetVerbose.
func (l *Logger) Debug(message string, args ...interface{}) {
	l.entry.Debugf(message, args...)
}

// Warn logs a recoverable problem, e.g. a skipped file or a retried probe.
func (l *Logger) Warn(message string, args ...interface{}) {
	l.entry.Warnf(message, args...)
}

// Fail logs err at error level and returns it unchanged, so call sites can
// write "return log.Fail(err)" without losing the original error chain.
// Unlike the teacher's FailIfErr, it never calls os.Exit: only cmd/
// entry points decide whether a failure is fatal to the process.
func (l *Logger) Fail(err error) error {
	if err != nil {
		l.entry.WithError(err).Error("stage failed")
	}
	return err
}
