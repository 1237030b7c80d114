// Package logging builds the zap logger used across LumiBox from the record
// and date format strings of the processing document.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultName is the logger name rendered for %(name)s.
const DefaultName = "lumibox"

// Options configures New.
type Options struct {
	// Format is a record format such as "%(asctime)s - %(levelname)s - %(message)s".
	Format string
	// DateFormat is a strftime pattern used for %(asctime)s.
	DateFormat string
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Name is the logger name. Empty means DefaultName.
	Name string
	// Dir, when set, receives a timestamped copy of the log.
	Dir string
	// Output overrides stdout.
	Output zapcore.WriteSyncer
}

// New returns a logger and a cleanup func closing any log file.
func New(opts Options) (*zap.Logger, func() error, error) {
	cleanup := func() error { return nil }

	format, err := parseRecordFormat(opts.Format)
	if err != nil {
		return nil, cleanup, fmt.Errorf("logging format: %w", err)
	}
	encodeTime, err := TimeEncoder(opts.DateFormat)
	if err != nil {
		return nil, cleanup, fmt.Errorf("logging date format: %w", err)
	}
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, cleanup, err
	}

	sink := opts.Output
	if sink == nil {
		sink = zapcore.Lock(os.Stdout)
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, cleanup, err
		}
		path := filepath.Join(opts.Dir, fmt.Sprintf("lumibox-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(file))
		cleanup = file.Close
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(format, encodeTime)), sink, zap.NewAtomicLevelAt(level))

	var zapOpts []zap.Option
	if format.has("filename") || format.has("lineno") || format.has("pathname") || format.has("funcName") || format.has("module") {
		zapOpts = append(zapOpts, zap.AddCaller())
	}

	name := opts.Name
	if name == "" {
		name = DefaultName
	}
	return zap.New(core, zapOpts...).Named(name), cleanup, nil
}

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		level = "warn"
	}
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return zapcore.ParseLevel(level)
}

func encoderConfig(format recordFormat, encodeTime zapcore.TimeEncoder) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		MessageKey:       "message",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       encodeTime,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: format.separator,
	}
	if format.has("asctime") || format.has("created") {
		cfg.TimeKey = "time"
	}
	if format.has("levelname") || format.has("levelno") {
		cfg.LevelKey = "level"
	}
	if format.has("name") {
		cfg.NameKey = "logger"
	}
	if format.has("filename") || format.has("lineno") || format.has("module") {
		cfg.CallerKey = "caller"
	}
	if format.has("pathname") {
		cfg.CallerKey = "caller"
		cfg.EncodeCaller = zapcore.FullCallerEncoder
	}
	if format.has("funcName") {
		cfg.FunctionKey = "function"
	}
	return cfg
}
