// Package logger owns the process-wide zap logger. Subsystems derive tagged
// module loggers from it instead of threading a logger through every
// constructor.
package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

func init() {
	global.Store(zap.NewNop())
}

// Init installs a production logger at the given level. Unknown level names
// fall back to info.
func Init(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	built, err := cfg.Build()
	if err != nil {
		return err
	}

	global.Store(built)
	return nil
}

// WithModule derives a logger tagged with the subsystem name.
func WithModule(name string) *zap.Logger {
	return global.Load().With(zap.String("module", name))
}

// Sync flushes buffered entries, typically on shutdown.
func Sync() error {
	return global.Load().Sync()
}
