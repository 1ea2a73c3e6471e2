// Package logging provides config-driven categorized logging for membria.
// Each subsystem logs to its own file under <workspace>/.membria/logs when
// debug mode is enabled; otherwise categories log at warn+ to stderr.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a log subsystem.
type Category string

const (
	CategoryBoot        Category = "boot"        // startup and wiring
	CategoryStore       Category = "store"       // graph store operations
	CategoryMemory      Category = "memory"      // memory manager and policy
	CategoryOutcome     Category = "outcome"     // outcome state machine
	CategoryCalibration Category = "calibration" // Beta updates and guidance
	CategoryPattern     Category = "pattern"     // pattern extraction
	CategorySkill       Category = "skill"       // skill generation
	CategoryChains      Category = "chains"      // behavior chains
	CategoryComposer    Category = "composer"    // context composition
	CategoryFirewall    Category = "firewall"    // red-flag evaluation
	CategoryServer      Category = "server"      // JSON-RPC tool server
	CategoryWebhook     Category = "webhook"     // webhook ingestion
	CategoryQueue       Category = "queue"       // signal queue
	CategoryIngest      Category = "ingest"      // knowledge-base ingestion
	CategoryEmbedding   Category = "embedding"   // embedding engine
	CategoryMCP         Category = "mcp"         // MCP proxy
	CategoryMigrate     Category = "migrate"     // schema migrations
)

// Settings controls logging behavior; mirrors config.LoggingConfig to avoid
// a circular import.
type Settings struct {
	DebugMode  bool
	Level      string
	Categories map[string]bool // empty map = all enabled
}

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	enabled  bool
}

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	settings Settings
	logsDir  string
	inited   bool
)

// Initialize sets up the logging directory and settings. Safe to call once
// at startup; before initialization Get returns stderr-only loggers.
func Initialize(workspace string, s Settings) error {
	mu.Lock()
	defer mu.Unlock()

	settings = s
	loggers = make(map[Category]*Logger)
	inited = true

	if !s.DebugMode {
		return nil
	}

	logsDir = filepath.Join(workspace, ".membria", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
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
	l := newLogger(cat)
	loggers[cat] = l
	return l
}

func newLogger(cat Category) *Logger {
	enabled := true
	if len(settings.Categories) > 0 {
		if on, ok := settings.Categories[string(cat)]; ok {
			enabled = on
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	var core zapcore.Core
	if inited && settings.DebugMode && enabled && logsDir != "" {
		path := filepath.Join(logsDir, string(cat)+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			core = zapcore.NewCore(enc, zapcore.AddSync(f), parseLevel(settings.Level))
		}
	}
	if core == nil {
		// Production mode: warnings and errors only, to stderr.
		core = zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), zapcore.WarnLevel)
	}

	z := zap.New(core).Named(string(cat)).Sugar()
	return &Logger{category: cat, sugar: z, enabled: enabled}
}

// Debug logs at debug level with printf formatting.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs at info level with printf formatting.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs at warn level with printf formatting.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs at error level with printf formatting.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Sync flushes all category loggers. Called on daemon shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
}
