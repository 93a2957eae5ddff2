// Package log implements structured logging for the runtime, backed by
// logrus with a pluggable formatter and multi-writer appender chain.
package log

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every component in this module logs through.
type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger
}

// Config describes the logger construction parameters. Pattern/Time drive
// the custom formatter's %time/%level/%field/%msg/%caller/%func/%goroutine
// tokens; File, when non-nil, adds a rotating lumberjack appender alongside
// stdout.
type Config struct {
	Level   string         `mapstructure:"level"`
	Pattern string         `mapstructure:"pattern"`
	Time    string         `mapstructure:"time"`
	File    *FileAppenderOpt `mapstructure:"file,omitempty"`
}

var (
	once   sync.Once
	global Logger
)

// Init builds the process-wide logger from cfg. Safe to call once; later
// calls are no-ops so tests and subcommands can call it defensively.
func Init(cfg Config) {
	once.Do(func() {
		global = build(cfg)
	})
}

// GetLogger returns the process-wide logger, building a sensible default
// (info level, stdout only) if Init was never called.
func GetLogger() Logger {
	if global == nil {
		global = build(Config{Level: "info", Pattern: "%time [%level] %msg", Time: "2006-01-02T15:04:05.000Z07:00"})
	}
	return global
}

func build(cfg Config) Logger {
	if cfg.Pattern == "" {
		cfg.Pattern = "%time [%level] %field %msg"
	}
	if cfg.Time == "" {
		cfg.Time = "2006-01-02T15:04:05.000Z07:00"
	}

	l := logrus.New()
	l.SetFormatter(&formatter{pattern: cfg.Pattern, time: cfg.Time})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetReportCaller(true)

	writers := NewMultiWriter().Add(os.Stdout)
	if cfg.File != nil {
		writers = writers.AddFileAppender(*cfg.File)
	}
	l.SetOutput(writers)

	return &logrusAdapter{entry: logrus.NewEntry(l)}
}

type logrusAdapter struct {
	entry *logrus.Entry
}

func (a *logrusAdapter) Print(args ...interface{})                 { a.entry.Print(args...) }
func (a *logrusAdapter) Printf(format string, args ...interface{}) { a.entry.Printf(format, args...) }
func (a *logrusAdapter) Trace(args ...interface{})                 { a.entry.Trace(args...) }
func (a *logrusAdapter) Tracef(format string, args ...interface{}) { a.entry.Tracef(format, args...) }
func (a *logrusAdapter) Debug(args ...interface{})                 { a.entry.Debug(args...) }
func (a *logrusAdapter) Debugf(format string, args ...interface{}) { a.entry.Debugf(format, args...) }
func (a *logrusAdapter) Info(args ...interface{})                  { a.entry.Info(args...) }
func (a *logrusAdapter) Infof(format string, args ...interface{})  { a.entry.Infof(format, args...) }
func (a *logrusAdapter) Warn(args ...interface{})                  { a.entry.Warn(args...) }
func (a *logrusAdapter) Warnf(format string, args ...interface{})  { a.entry.Warnf(format, args...) }
func (a *logrusAdapter) Error(args ...interface{})                 { a.entry.Error(args...) }
func (a *logrusAdapter) Errorf(format string, args ...interface{}) { a.entry.Errorf(format, args...) }

func (a *logrusAdapter) WithField(field string, value interface{}) Logger {
	return &logrusAdapter{entry: a.entry.WithField(field, value)}
}

func (a *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: a.entry.WithFields(fields)}
}

func (a *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: a.entry.WithError(err)}
}
