// Package logging provides leveled, printf-style logging for docsync.
//
// The package keeps a single process-wide zap logger. Callers use the
// package-level helpers (Debugf, Infof, Warnf, Errorf) and adjust verbosity
// with SetLevel.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a logging verbosity. Lower values are more verbose.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lower-case name of the level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a level name to a LogLevel. Unknown names map to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	// Level is the current log level.
	Level = LevelInfo
	// DebugLogs is true when debug output is enabled.
	DebugLogs bool

	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	mu    sync.RWMutex
	base  *zap.Logger
	sugar *zap.SugaredLogger
)

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	base = logger
	sugar = logger.Sugar()
}

// SetLevel changes the active log level.
func SetLevel(level LogLevel) {
	Level = level
	DebugLogs = level == LevelDebug
	atomicLevel.SetLevel(level.zapLevel())
}

// Options configures file output with size based rotation.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Configure redirects log output to a rotating file when opts.File is set.
// With an empty File the logger keeps writing to stderr.
func Configure(opts Options) {
	if opts.File == "" {
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), atomicLevel)

	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	base = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	sugar = base.Sugar()
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Debugf(format string, args ...any) {
	logger().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	logger().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	logger().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	logger().Errorf(format, args...)
}

// Fatalf logs at error level and exits the process.
func Fatalf(format string, args ...any) {
	logger().Errorf(format, args...)
	Sync()
	os.Exit(1)
}
