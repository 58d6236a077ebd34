// Package logger builds the process-wide zap logger. Every line is a JSON
// object carrying timestamp, level and event.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"item-image-pipeline/internal/models"
)

const defaultLogFile = "logs/pipeline.log"

func New(cfg models.LogConfig) *zap.Logger {
	return zap.New(newCore(cfg, nil), zap.AddCaller())
}

func newCore(cfg models.LogConfig, w io.Writer) zapcore.Core {
	encoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "event",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
	return zapcore.NewCore(encoder, writer(cfg, w), ParseLevel(cfg.Level))
}

func writer(cfg models.LogConfig, w io.Writer) zapcore.WriteSyncer {
	if w != nil {
		return zapcore.AddSync(w)
	}
	if cfg.Output != "file" {
		return zapcore.Lock(os.Stdout)
	}

	name := cfg.File
	if name == "" {
		name = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   name,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}

// ParseLevel maps a config string onto a zap level. Unknown values fall
// back to info.
func ParseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
