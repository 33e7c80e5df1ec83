package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Configure builds the process-wide root logger. Level is one of
// debug, info, warn, error. Development selects human-readable console
// output instead of JSON.
func Configure(level string, development bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	mu.Lock()
	root = logger
	mu.Unlock()
	return nil
}

// Logger returns a named child of the root logger. Components grab
// their logger once at construction; before Configure runs this is a
// no-op logger, which is what tests want.
func Logger(name string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(name)
}

// Sync flushes any buffered log entries. Called on shutdown.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return root.Sync()
}
