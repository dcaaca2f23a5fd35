// Package logging provides categorized loggers for shapesmith backed by zap.
//
// Every subsystem logs through its own category (logging.Get(CategorySandbox))
// so categories can be silenced independently. Until Initialize or Attach is
// called every logger is a no-op, which keeps library use and tests quiet.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config loading
	CategoryEngine    Category = "engine"    // Plan execution state machine
	CategoryPlan      Category = "plan"      // Plan parsing and validation
	CategoryRegistry  Category = "registry"  // Technique registry, catalog, watcher
	CategoryDispatch  Category = "dispatch"  // Paradigm routing
	CategorySynth     Category = "synth"     // Technique synthesis
	CategorySandbox   Category = "sandbox"   // Sandboxed technique execution
	CategoryPolicy    Category = "policy"    // Allow-list evaluation
	CategoryBackend   Category = "backend"   // Geometry engine sessions
	CategoryAssistant Category = "assistant" // Design assistant calls
	CategoryStore     Category = "store"     // Technique persistence
	CategoryPool      Category = "pool"      // Session pool
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string          `yaml:"level"`
	Format     string          `yaml:"format"` // json | console
	Output     string          `yaml:"output"` // stderr | stdout | file path
	Categories map[string]bool `yaml:"categories"`
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       *zap.Logger
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process logger from cfg.
func Initialize(cfg Config) error {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	zcfg.Sampling = nil
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch cfg.Format {
	case "", "json":
	case "console":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return fmt.Errorf("unknown log format %q (valid: json, console)", cfg.Format)
	}
	out := cfg.Output
	if out == "" {
		out = "stderr"
	}
	zcfg.OutputPaths = []string{out}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	Attach(logger, cfg.Categories)

	Get(CategoryBoot).Debug("logging initialized (level=%s format=%s output=%s)", level.String(), zcfg.Encoding, out)
	return nil
}

// Attach installs an existing zap logger, e.g. the CLI's or a test observer.
// A nil enabled map enables every category.
func Attach(logger *zap.Logger, enabled map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	base = logger
	categories = enabled
	loggers = make(map[Category]*Logger)
}

// Reset returns logging to the uninitialized no-op state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	base = nil
	categories = nil
	loggers = make(map[Category]*Logger)
}

// Sync flushes buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if base == nil {
		return nil
	}
	return base.Sync()
}

// IsCategoryEnabled reports whether category produces output.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabledLocked(category)
}

func enabledLocked(category Category) bool {
	if base == nil {
		return false
	}
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	return !ok || enabled
}

// Get returns the logger for category. Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, sugar: zap.NewNop().Sugar()}
	if enabledLocked(category) {
		l.sugar = base.Named(string(category)).Sugar()
	}
	loggers[category] = l
	return l
}

// With returns a logger carrying structured key/value fields.
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...any) { l.sugar.Errorf(format, args...) }

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

func Boot(format string, args ...any)      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...any) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...any)  { Get(CategoryBoot).Warn(format, args...) }

func Engine(format string, args ...any)      { Get(CategoryEngine).Info(format, args...) }
func EngineDebug(format string, args ...any) { Get(CategoryEngine).Debug(format, args...) }
func EngineWarn(format string, args ...any)  { Get(CategoryEngine).Warn(format, args...) }
func EngineError(format string, args ...any) { Get(CategoryEngine).Error(format, args...) }

func Plan(format string, args ...any)      { Get(CategoryPlan).Info(format, args...) }
func PlanDebug(format string, args ...any) { Get(CategoryPlan).Debug(format, args...) }

func Registry(format string, args ...any)      { Get(CategoryRegistry).Info(format, args...) }
func RegistryDebug(format string, args ...any) { Get(CategoryRegistry).Debug(format, args...) }
func RegistryWarn(format string, args ...any)  { Get(CategoryRegistry).Warn(format, args...) }

func Dispatch(format string, args ...any)      { Get(CategoryDispatch).Info(format, args...) }
func DispatchDebug(format string, args ...any) { Get(CategoryDispatch).Debug(format, args...) }

func Synth(format string, args ...any)      { Get(CategorySynth).Info(format, args...) }
func SynthDebug(format string, args ...any) { Get(CategorySynth).Debug(format, args...) }
func SynthWarn(format string, args ...any)  { Get(CategorySynth).Warn(format, args...) }

func Sandbox(format string, args ...any)      { Get(CategorySandbox).Info(format, args...) }
func SandboxDebug(format string, args ...any) { Get(CategorySandbox).Debug(format, args...) }
func SandboxWarn(format string, args ...any)  { Get(CategorySandbox).Warn(format, args...) }

func PolicyDebug(format string, args ...any) { Get(CategoryPolicy).Debug(format, args...) }
func PolicyWarn(format string, args ...any)  { Get(CategoryPolicy).Warn(format, args...) }

func Backend(format string, args ...any)      { Get(CategoryBackend).Info(format, args...) }
func BackendDebug(format string, args ...any) { Get(CategoryBackend).Debug(format, args...) }
func BackendWarn(format string, args ...any)  { Get(CategoryBackend).Warn(format, args...) }

func Assistant(format string, args ...any)      { Get(CategoryAssistant).Info(format, args...) }
func AssistantDebug(format string, args ...any) { Get(CategoryAssistant).Debug(format, args...) }

func Store(format string, args ...any)      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...any) { Get(CategoryStore).Error(format, args...) }

func PoolDebug(format string, args ...any) { Get(CategoryPool).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
