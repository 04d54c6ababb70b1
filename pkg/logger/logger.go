package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	defaultLogger *zap.Logger
	auditLogger   *zap.Logger
	auditWriter   *lumberjack.Logger
	once          sync.Once
	initErr       error
)

// Init configures the global logger instances.
func Init(cfg Config) error {
	once.Do(func() {
		level := parseLevel(cfg.Level)

		zcfg := zap.NewProductionConfig()
		if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
			zcfg = zap.NewDevelopmentConfig()
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zcfg.Sampling = nil
		if len(cfg.OutputPaths) > 0 {
			for _, out := range cfg.OutputPaths {
				if err := ensureDir(out); err != nil {
					initErr = err
					return
				}
			}
			zcfg.OutputPaths = cfg.OutputPaths
		} else {
			zcfg.OutputPaths = []string{"stdout"}
		}

		built, err := zcfg.Build()
		if err != nil {
			initErr = fmt.Errorf("build logger: %w", err)
			return
		}
		defaultLogger = built

		auditLogger = defaultLogger
		if cfg.Audit.Enabled {
			audit, err := buildAuditLogger(cfg.Audit)
			if err != nil {
				initErr = err
				return
			}
			auditLogger = audit
		}
	})
	if initErr != nil {
		return initErr
	}
	if defaultLogger == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

func buildAuditLogger(cfg AuditConfig) (*zap.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	if err := ensureDir(cfg.Path); err != nil {
		return nil, err
	}

	auditWriter = &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(auditWriter), zapcore.InfoLevel)
	return zap.New(core), nil
}

func ensureDir(path string) error {
	switch strings.ToLower(path) {
	case "stdout", "stderr":
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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

// L returns the structured logger instance.
func L() *zap.Logger {
	if defaultLogger == nil {
		if err := Init(Config{}); err != nil || defaultLogger == nil {
			return zap.NewNop()
		}
	}
	return defaultLogger
}

// Audit returns the audit logger.
func Audit() *zap.Logger {
	if auditLogger == nil {
		return L()
	}
	return auditLogger
}

// Sync flushes buffered log entries to their outputs.
func Sync() error {
	var err error
	if defaultLogger != nil {
		err = errors.Join(err, ignoreSyncErr(defaultLogger.Sync()))
	}
	if auditLogger != nil && auditLogger != defaultLogger {
		err = errors.Join(err, ignoreSyncErr(auditLogger.Sync()))
	}
	if auditWriter != nil {
		err = errors.Join(err, auditWriter.Close())
		auditWriter = nil
	}
	return err
}

// Syncing stdout on linux returns EINVAL; that is not worth surfacing.
func ignoreSyncErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "invalid argument") || strings.Contains(err.Error(), "inappropriate ioctl") {
		return nil
	}
	return err
}

// Named returns a child logger with the provided component name.
func Named(name string) *zap.Logger {
	return L().Named(name)
}
