// Package log builds the zap.Logger used throughout restfuncs-go, following
// FreePeak-golang-mcp-server-sdk's internal/infrastructure/logging wrapper
// (level string, development flag, JSON encoding, stdout/stderr split) but
// returning a bare *zap.Logger rather than a custom wrapper type, since every
// other package here (duplex.ServerSession, duplex.ClientSession,
// httpside.Handler) already takes *zap.Logger directly.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the logger's level, format, and output.
type Config struct {
	Level       string // debug, info, warn, error
	Development bool
	OutputPaths []string
}

// DefaultConfig returns a production-shaped configuration: info level, JSON
// encoding, stdout.
func DefaultConfig() Config {
	return Config{Level: "info", OutputPaths: []string{"stdout"}}
}

// New builds a *zap.Logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if cfg.Level == "" {
		level = zapcore.InfoLevel
	} else if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log: parse level %q: %w", cfg.Level, err)
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	encoding := "json"
	if cfg.Development {
		encoding = "console"
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		DisableCaller:     !cfg.Development,
		DisableStacktrace: !cfg.Development,
		Encoding:          encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// NewDevelopment returns a human-readable, debug-level development logger.
func NewDevelopment() (*zap.Logger, error) {
	return New(Config{Level: "debug", Development: true, OutputPaths: []string{"stdout"}})
}
