// Package logger provides leveled, named loggers for engine components.
package logger

import (
	"fmt"

	golog "github.com/cenkalti/log"
)

// Logger is the interface every component holds a handle to. One instance
// is created per component instance (a torrent, a peer connection, a
// tracker) so log lines can be attributed without passing context around.
type Logger interface {
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
}

type logger struct {
	l *golog.Logger
}

// New returns a logger tagged with name, e.g. "session", "torrent",
// "peer <- 1.2.3.4:6881".
func New(name string) Logger {
	return &logger{golog.NewLogger(name)}
}

func (lg *logger) Debugln(args ...interface{})                 { lg.l.Debug(fmt.Sprintln(args...)) }
func (lg *logger) Debugf(format string, args ...interface{})   { lg.l.Debugf(format, args...) }
func (lg *logger) Infoln(args ...interface{})                  { lg.l.Info(fmt.Sprintln(args...)) }
func (lg *logger) Infof(format string, args ...interface{})    { lg.l.Infof(format, args...) }
func (lg *logger) Warningln(args ...interface{})               { lg.l.Warning(fmt.Sprintln(args...)) }
func (lg *logger) Warningf(format string, args ...interface{}) { lg.l.Warningf(format, args...) }
func (lg *logger) Error(args ...interface{})                   { lg.l.Error(fmt.Sprint(args...)) }
func (lg *logger) Errorln(args ...interface{})                 { lg.l.Error(fmt.Sprintln(args...)) }
func (lg *logger) Errorf(format string, args ...interface{})   { lg.l.Errorf(format, args...) }

// SetLevel sets the package-wide log level.
func SetLevel(level golog.Level) {
	golog.SetLevel(level)
}
