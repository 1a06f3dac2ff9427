// Package logs assembles the zap loggers used across gamewarden.
package logs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"gamewarden/internal/config"
)

// Log level names accepted in config.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// SetupLogger builds the process-wide logger from config: a console core, a
// rotating file core, or both, teed together.
func SetupLogger(cfg *config.LogConfig, dataDir string) (*zap.Logger, error) {
	if cfg == nil {
		return zap.NewNop(), nil
	}

	level := parseLevel(cfg.Level)

	var cores []zapcore.Core

	if cfg.EnableConsole {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level))
	}

	if cfg.EnableFile {
		fileCore, err := createFileCore(cfg, dataDir, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create file log core: %w", err)
		}
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// createFileCore builds a rotating-file core backed by lumberjack.
func createFileCore(cfg *config.LogConfig, dataDir string, level zapcore.Level) (zapcore.Core, error) {
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(dataDir, "logs")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filename := cfg.Filename
	if filename == "" {
		filename = "gamewarden.log"
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, filename),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(writer), level), nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case LogLevelDebug:
		return zap.DebugLevel
	case LogLevelInfo:
		return zap.InfoLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
