// Package log holds the process-wide logrus logger behind package-level
// helpers, so call sites stay short and the sink is configured in one
// place.
package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger *logrus.Logger

// Config controls the process logger.
type Config struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // json, text
	Output     string `json:"output"`      // stdout, file
	Filename   string `json:"filename"`    // log file path when output is file
	MaxSize    int    `json:"max_size"`    // rotate after this many MB
	MaxAge     int    `json:"max_age"`     // days to keep rotated files
	MaxBackups int    `json:"max_backups"` // rotated files to keep
	Compress   bool   `json:"compress"`    // gzip rotated files
}

// Init builds the process logger from cfg. An unrecognized level falls
// back to info rather than failing startup.
func Init(cfg Config) error {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetFormatter(formatterFor(cfg.Format))

	output, err := outputFor(cfg)
	if err != nil {
		return err
	}
	l.SetOutput(output)

	logger = l
	return nil
}

func formatterFor(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

func outputFor(cfg Config) (io.Writer, error) {
	if cfg.Output != "file" || cfg.Filename == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return nil, err
	}
	// lumberjack rotates by size and prunes old files.
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}, nil
}

// GetLogger returns the process logger, creating a plain default when
// Init has not run yet (tests, early startup).
func GetLogger() *logrus.Logger {
	if logger == nil {
		logger = logrus.New()
	}
	return logger
}

// SetLevel changes the running logger's level; unrecognized levels are
// ignored. Used by live config reload.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	GetLogger().SetLevel(parsed)
}

// Leveled helpers so call sites read log.Info(...) instead of
// threading a logger through every constructor.

func Debug(args ...interface{}) { GetLogger().Debug(args...) }

func Debugf(format string, args ...interface{}) { GetLogger().Debugf(format, args...) }

func Info(args ...interface{}) { GetLogger().Info(args...) }

func Infof(format string, args ...interface{}) { GetLogger().Infof(format, args...) }

func Warn(args ...interface{}) { GetLogger().Warn(args...) }

func Warnf(format string, args ...interface{}) { GetLogger().Warnf(format, args...) }

func Error(args ...interface{}) { GetLogger().Error(args...) }

func Errorf(format string, args ...interface{}) { GetLogger().Errorf(format, args...) }

// Fatal logs and exits the process.
func Fatal(args ...interface{}) { GetLogger().Fatal(args...) }

// Fatalf logs and exits the process.
func Fatalf(format string, args ...interface{}) { GetLogger().Fatalf(format, args...) }

// WithField starts an entry with one structured field.
func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}

// WithFields starts an entry with structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

// WithError starts an entry carrying err under the standard error key.
func WithError(err error) *logrus.Entry {
	return GetLogger().WithError(err)
}
