// Package logx provides structured, module-tagged logging for the pipeline
// engine. It wraps the standard library's log/slog: every record carries a
// "module" attribute, and all modules share one level, read from
// DSPX_LOG_LEVEL at start-up (info by default) and replaced by SetLevel.
package logx

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// ModuleConfig manages per-module logging verbosity. Module names use dot
// notation ("pipeline.snapshot" overrides "pipeline"); a lookup walks up the
// hierarchy to the nearest configured ancestor, falling back to the default
// level.
type ModuleConfig struct {
	mu           sync.RWMutex
	defaultLevel slog.Level
	modules      map[string]slog.Level
}

// NewModuleConfig creates a ModuleConfig with the given default level.
func NewModuleConfig(defaultLevel slog.Level) *ModuleConfig {
	return &ModuleConfig{
		defaultLevel: defaultLevel,
		modules:      make(map[string]slog.Level),
	}
}

// SetModuleLevel overrides the level for a specific module path.
func (m *ModuleConfig) SetModuleLevel(module string, level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[module] = level
}

// LevelFor resolves the effective level for a module path.
func (m *ModuleConfig) LevelFor(module string) slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for {
		if level, ok := m.modules[module]; ok {
			return level
		}
		idx := strings.LastIndex(module, ".")
		if idx == -1 {
			return m.defaultLevel
		}
		module = module[:idx]
	}
}

var (
	defaultLogger *slog.Logger
	modules       = NewModuleConfig(slog.LevelInfo)
)

func init() {
	level := slog.LevelInfo
	if v := os.Getenv("DSPX_LOG_LEVEL"); v != "" {
		switch strings.ToLower(v) {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	modules.SetModuleLevel("", level)
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Logger returns a module-scoped logger. The module name is attached as a
// "module" attribute; the logger uses the package-wide level, and
// per-module levels held in a ModuleConfig are not consulted.
func Logger(module string) *slog.Logger {
	return defaultLogger.With("module", module)
}

// SetLevel replaces the default handler's level for all subsequently
// created loggers.
func SetLevel(level slog.Level) {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Warn logs a module-scoped warning. Used for soft-failure diagnostics such
// as fallbackOnLoadFailure state resets.
func Warn(ctx context.Context, module, msg string, args ...any) {
	Logger(module).WarnContext(ctx, msg, args...)
}

// Debug logs a module-scoped debug message.
func Debug(ctx context.Context, module, msg string, args ...any) {
	Logger(module).DebugContext(ctx, msg, args...)
}

// Error logs a module-scoped error message.
func Error(ctx context.Context, module, msg string, args ...any) {
	Logger(module).ErrorContext(ctx, msg, args...)
}
