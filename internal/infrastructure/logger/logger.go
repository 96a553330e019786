package logger

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultTimeFormat is used when Config.TimeFormat is empty.
const DefaultTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Output     string // stdout, stderr, or file path
	TimeFormat string

	// Service and Env are attached to every entry when set.
	Service string
	Env     string

	// SampleInitial and SampleThereafter throttle identical entries per
	// second. Full passes log one debug line per record, so large mappings
	// would otherwise flood the output. Zero disables sampling.
	SampleInitial    int
	SampleThereafter int
}

// New builds a zap logger from cfg. Unlike a silent fallback, an output
// path that cannot be opened is reported to the caller.
func New(cfg *Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	writer, _, err := zap.Open(outputPath(cfg.Output))
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %q: %w", cfg.Output, err)
	}

	var core zapcore.Core = zapcore.NewCore(newEncoder(cfg), writer, level)
	if cfg.SampleInitial > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, cfg.SampleInitial, cfg.SampleThereafter)
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	var static []zap.Field
	if cfg.Service != "" {
		static = append(static, zap.String("service", cfg.Service))
	}
	if cfg.Env != "" {
		static = append(static, zap.String("env", cfg.Env))
	}
	if len(static) > 0 {
		opts = append(opts, zap.Fields(static...))
	}
	return zap.New(core, opts...), nil
}

// ParseLevel accepts zap's level names plus "warning". An empty level is info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	default:
		parsed, err := zapcore.ParseLevel(l)
		if err != nil {
			return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", level)
		}
		return parsed, nil
	}
}

func outputPath(output string) string {
	switch o := strings.ToLower(output); o {
	case "", "stdout":
		return "stdout"
	case "stderr":
		return "stderr"
	default:
		return output
	}
}

func newEncoder(cfg *Config) zapcore.Encoder {
	layout := cfg.TimeFormat
	if layout == "" {
		layout = DefaultTimeFormat
	}
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(layout),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// Sync flushes buffered entries. Syncing a terminal returns EINVAL on some
// platforms; callers defer it and ignore the result.
func Sync(logger *zap.Logger) error {
	return logger.Sync()
}
