// Package xlog provides the keyed structured logging call shape used
// throughout this module (mirroring the teacher's own log.Info(msg, "key",
// val, ...) convention seen at call sites such as consensus/dpos/dpos.go
// and staking/reward.go), backed by github.com/rs/zerolog.
package xlog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger and exposes the keyed-argument call shape.
type Logger struct {
	z zerolog.Logger
}

var root = New("quorumd")

// New creates a named logger writing structured, leveled output to stderr.
func New(component string) Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	z := zerolog.New(os.Stderr).With().Timestamp().Str("component", component).Logger()
	return Logger{z: z}
}

// SetLevel parses a level name (trace/debug/info/warn/error) and applies
// it process-wide, for the CLI's --log-level flag.
func SetLevel(name string) error {
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// New derives a child logger with an additional component tag, matching
// the teacher's per-package logger instantiation pattern.
func (l Logger) New(component string) Logger {
	return Logger{z: l.z.With().Str("subcomponent", component).Logger()}
}

func (l Logger) Trace(msg string, kv ...interface{}) { l.emit(zerolog.TraceLevel, msg, kv) }
func (l Logger) Debug(msg string, kv ...interface{}) { l.emit(zerolog.DebugLevel, msg, kv) }
func (l Logger) Info(msg string, kv ...interface{})  { l.emit(zerolog.InfoLevel, msg, kv) }
func (l Logger) Warn(msg string, kv ...interface{})  { l.emit(zerolog.WarnLevel, msg, kv) }
func (l Logger) Error(msg string, kv ...interface{}) { l.emit(zerolog.ErrorLevel, msg, kv) }

func (l Logger) emit(level zerolog.Level, msg string, kv []interface{}) {
	ev := l.z.WithLevel(level)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

// Trace/Debug/Info/Warn/Error on the package-level root logger, for call
// sites that don't hold a component-scoped Logger.
func Trace(msg string, kv ...interface{}) { root.Trace(msg, kv...) }
func Debug(msg string, kv ...interface{}) { root.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { root.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { root.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { root.Error(msg, kv...) }
