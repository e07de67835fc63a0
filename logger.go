package brpc

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
}

type logger struct {
	zl zerolog.Logger
}

func newLogger() *logger {
	return &logger{
		zl: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("component", "brpc").Logger(),
	}
}

func (l *logger) Debug(args ...interface{}) {
	l.zl.Debug().Msg(fmt.Sprint(args...))
}
func (l *logger) Debugf(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}
func (l *logger) Info(args ...interface{}) {
	l.zl.Info().Msg(fmt.Sprint(args...))
}
func (l *logger) Infof(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}
func (l *logger) Warn(args ...interface{}) {
	l.zl.Warn().Msg(fmt.Sprint(args...))
}
func (l *logger) Warnf(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}
func (l *logger) Error(args ...interface{}) {
	l.zl.Error().Msg(fmt.Sprint(args...))
}
func (l *logger) Errorf(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}
func (l *logger) Fatal(args ...interface{}) {
	l.zl.Fatal().Msg(fmt.Sprint(args...))
}

var defaultLogger Logger = newLogger()

// SetLogger replaces the logger used by components that were not handed an
// explicit one. Call it before GlobalInitializeOrDie.
func SetLogger(l Logger) {
	if l != nil {
		defaultLogger = l
	}
}
