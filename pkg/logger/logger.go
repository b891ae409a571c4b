package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

var defaultLogger *Logger

type Config struct {
	Level  string
	Format string
	// Path is URI-style: file://<path>, stderr or stdout.
	Path   string
	File   FileConfig
	Fields map[string]interface{}
}

type FileConfig struct {
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Init(cfg Config) error {
	log := logrus.New()

	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "@timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	out, err := openOutput(cfg)
	if err != nil {
		return err
	}
	log.SetOutput(out)

	fields := logrus.Fields{
		"app": "callsign-lookup",
		"pid": os.Getpid(),
	}
	for k, v := range cfg.Fields {
		fields[k] = v
	}

	defaultLogger = &Logger{
		Logger: log,
		fields: fields,
	}

	return nil
}

// openOutput resolves the URI-style log path. file:// destinations are
// rotated with lumberjack; stderr/stdout write straight through.
func openOutput(cfg Config) (io.Writer, error) {
	switch {
	case cfg.Path == "" || cfg.Path == "stderr":
		return os.Stderr, nil
	case cfg.Path == "stdout":
		return os.Stdout, nil
	case strings.HasPrefix(cfg.Path, "file://"):
		path := strings.TrimPrefix(cfg.Path, "file://")
		maxSize := cfg.File.MaxSize
		if maxSize == 0 {
			maxSize = 10
		}
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported log path %q", cfg.Path)
	}
}

func get() *Logger {
	if defaultLogger == nil {
		// Keep early boot paths working before Init runs.
		l := logrus.New()
		l.SetOutput(os.Stderr)
		defaultLogger = &Logger{
			Logger: l,
			fields: logrus.Fields{},
		}
	}
	return defaultLogger
}

func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	newFields := make(logrus.Fields)
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		Logger: l.Logger,
		fields: newFields,
	}
}

func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(logrus.Fields{
		"error": err.Error(),
	})
}

func (l *Logger) entry() *logrus.Entry {
	return l.Logger.WithFields(l.fields)
}

func (l *Logger) Debug(args ...interface{}) { l.entry().Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry().Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry().Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry().Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry().Fatal(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

// Convenience functions
func Debug(args ...interface{}) { get().Debug(args...) }
func Info(args ...interface{})  { get().Info(args...) }
func Warn(args ...interface{})  { get().Warn(args...) }
func Error(args ...interface{}) { get().Error(args...) }
func Fatal(args ...interface{}) { get().Fatal(args...) }

func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { get().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { get().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }

func WithField(key string, value interface{}) *Logger {
	return get().WithFields(logrus.Fields{key: value})
}

func WithFields(fields logrus.Fields) *Logger {
	return get().WithFields(fields)
}

func WithError(err error) *Logger {
	return get().WithError(err)
}
