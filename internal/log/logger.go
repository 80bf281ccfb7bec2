package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger handed to every package.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsDebugEnabled() bool
}

type entry struct{ *logrus.Entry }

func (e entry) WithField(field string, value interface{}) Logger {
	return entry{e.Entry.WithField(field, value)}
}

func (e entry) WithFields(fields map[string]interface{}) Logger {
	return entry{e.Entry.WithFields(fields)}
}

func (e entry) WithError(err error) Logger { return entry{e.Entry.WithError(err)} }

func (e entry) IsDebugEnabled() bool { return e.Logger.IsLevelEnabled(logrus.DebugLevel) }

// fanout writes each line to every output. A failing output does not stop
// the others; the last error is reported.
type fanout []io.Writer

func (f fanout) Write(p []byte) (int, error) {
	var err error
	for _, w := range f {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}
