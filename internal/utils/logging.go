package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a small key/value logging facade over zap.
type Logger struct {
	s *zap.SugaredLogger
}

// NewLogger returns a JSON production logger. Development mode switches to the
// console encoder with debug level enabled.
func NewLogger(development bool) *Logger {
	var (
		l   *zap.Logger
		err error
	)
	if development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return &Logger{s: l.Sugar()}
}

func NewNopLogger() *Logger { return &Logger{s: zap.NewNop().Sugar()} }

// NewLoggerFromCore wraps an existing core; used by tests with zaptest/observer.
func NewLoggerFromCore(core zapcore.Core) *Logger { return &Logger{s: zap.New(core).Sugar()} }

func (lg *Logger) With(kv ...any) *Logger { return &Logger{s: lg.s.With(kv...)} }

func (lg *Logger) Debug(msg string, kv ...any) { lg.s.Debugw(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.s.Infow(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.s.Warnw(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.s.Errorw(msg, kv...) }

func (lg *Logger) Sync() { _ = lg.s.Sync() }
