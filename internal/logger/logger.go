// Package logger provides leveled logging with support for debug, info, warn, and error levels.
// It wraps logrus to provide level-based filtering, JSON or text output and optional
// file rotation.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a set of structured key/value pairs attached to a log line
type Fields map[string]interface{}

var (
	// Global logger instance
	defaultLogger = newLogrus()
)

func newLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	return l
}

// Init initializes the default logger with the specified level, format and output.
// Output is "stderr", "stdout" or a file path; file output is rotated after maxAgeDays.
func Init(level, format, output string, maxAgeDays int) error {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json", "":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	switch output {
	case "stderr", "":
		l.SetOutput(os.Stderr)
	case "stdout":
		l.SetOutput(os.Stdout)
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		l.SetOutput(&lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAgeDays,
			MaxSize:  100,
			Compress: true,
		})
	}

	defaultLogger = l
	return nil
}

// SetOutput redirects the default logger, mostly useful in tests.
func SetOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}

// Writer returns an io.Writer that logs each written line at info level.
// The caller should close it when done.
func Writer() *io.PipeWriter {
	return defaultLogger.Writer()
}

// withCaller tags an entry with the file:line of the code calling into this
// package. logrus's own caller reporting would point at this file.
func withCaller() *logrus.Entry {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return logrus.NewEntry(defaultLogger)
	}
	return defaultLogger.WithField("caller", fmt.Sprintf("%s:%d", filepath.Base(file), line))
}

// With returns an entry carrying the given fields.
func With(fields Fields) *logrus.Entry {
	return withCaller().WithFields(logrus.Fields(fields))
}

// Debug logs a message at DebugLevel
func Debug(format string, args ...interface{}) {
	if defaultLogger.IsLevelEnabled(logrus.DebugLevel) {
		withCaller().Debugf(format, args...)
	}
}

// Info logs a message at InfoLevel
func Info(format string, args ...interface{}) {
	if defaultLogger.IsLevelEnabled(logrus.InfoLevel) {
		withCaller().Infof(format, args...)
	}
}

// Warn logs a message at WarnLevel
func Warn(format string, args ...interface{}) {
	withCaller().Warnf(format, args...)
}

// Error logs a message at ErrorLevel
func Error(format string, args ...interface{}) {
	withCaller().Errorf(format, args...)
}

// Fatal logs a message at FatalLevel and exits
func Fatal(format string, args ...interface{}) {
	withCaller().Fatalf(format, args...)
}
