// Package observability owns the process-wide zap loggers.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It is a no-op logger until
// InitCLILogger or Configure runs.
var CLILogger = zap.NewNop()

var (
	mu      sync.Mutex
	closers []func() error
)

const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// Options configures the logger built by Configure.
type Options struct {
	Service string
	Level   string
	Profile string

	// File, when set, receives a copy of every entry in JSON with size-based
	// rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitCLILogger installs a console logger on stderr. Verbose enables debug
// output.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := New(Options{Service: name, Level: level, Profile: ProfileConsole})
	if err != nil {
		logger = zap.NewNop()
	}
	replace(logger, nil)
}

// Configure builds a logger from opts and installs it as CLILogger.
func Configure(opts Options) (*zap.Logger, error) {
	logger, closer, err := build(opts)
	if err != nil {
		return nil, err
	}
	replace(logger, closer)
	return logger, nil
}

// New builds a logger without installing it.
func New(opts Options) (*zap.Logger, error) {
	logger, _, err := build(opts)
	return logger, err
}

// Sync flushes CLILogger and closes any open log file.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
	for _, c := range closers {
		_ = c()
	}
	closers = nil
}

// ParseLevel maps a config level name onto a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

func build(opts Options) (*zap.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	enabler := zap.NewAtomicLevelAt(level)

	var primary zapcore.Core
	switch strings.ToLower(strings.TrimSpace(opts.Profile)) {
	case "", ProfileStructured:
		primary = zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.Lock(os.Stderr), enabler)
	case ProfileConsole:
		primary = zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), zapcore.Lock(os.Stderr), enabler)
	default:
		return nil, nil, fmt.Errorf("unknown log profile %q", opts.Profile)
	}

	cores := []zapcore.Core{primary}
	var closer func() error
	if f := strings.TrimSpace(opts.File); f != "" {
		rotator := &lumberjack.Logger{
			Filename:   f,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.AddSync(rotator), enabler))
		closer = rotator.Close
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if opts.Service != "" {
		logger = logger.With(zap.String("service", opts.Service))
	}
	return logger, closer, nil
}

func replace(logger *zap.Logger, closer func() error) {
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
	for _, c := range closers {
		_ = c()
	}
	closers = nil
	if closer != nil {
		closers = append(closers, closer)
	}
	CLILogger = logger
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	cfg.CallerKey = ""
	cfg.NameKey = ""
	cfg.LevelKey = ""
	return cfg
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
