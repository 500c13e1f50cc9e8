// Package logging provides category-scoped structured logging for the
// Sentinel core. Every subsystem gets a named zap logger; job-scoped
// loggers additionally carry a job_id field for the lifetime of a run.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem. Kept as a closed set so call sites
// read as `logging.Get(logging.CategoryDispatcher)` rather than free strings.
type Category string

const (
	CategorySentinel   Category = "sentinel"
	CategoryDispatcher Category = "dispatcher"
	CategoryRegistry   Category = "registry"
	CategoryWorkerShim Category = "worker.shim"
	CategoryWorkerNative Category = "worker.native"
	CategoryStore      Category = "store"
	CategorySchema     Category = "schema"
	CategoryConfig     Category = "config"
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	loggers = make(map[Category]*zap.Logger)
)

// Init installs the base zap logger used to derive all category loggers.
// Call once at process start. JSON controls structured vs console encoding.
func Init(debug bool, json bool) error {
	cfg := zap.NewProductionConfig()
	if !json {
		cfg = zap.NewDevelopmentConfig()
	}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	base = l
	loggers = make(map[Category]*zap.Logger)
	mu.Unlock()
	return nil
}

// Get returns the logger for a category, creating it on first use.
// Falls back to zap.NewNop() if Init was never called (e.g. in unit tests).
func Get(cat Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	b := base
	if b == nil {
		b = zap.NewNop()
	}
	l := b.With(zap.String("category", string(cat)))
	loggers[cat] = l
	return l
}

// ForJob returns a category logger additionally scoped to a job id.
func ForJob(cat Category, jobID string) *zap.Logger {
	return Get(cat).With(zap.String("job_id", jobID))
}

// Sync flushes all derived loggers. Call at process shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
	for _, l := range loggers {
		_ = l.Sync()
	}
}
