// Package logging provides structured logging for pegasproxy.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry with the key-value call convention used
// throughout the proxy (msg string, then alternating key/value pairs).
type Logger struct {
	*logrus.Entry
}

// New creates a structured logger at the given level. isatty switches
// between a human-readable text formatter and JSON, since log_isatty is
// a real config key even though the teacher repo always uses JSON.
func New(level string, isatty bool) *Logger {
	base := logrus.New()

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	if isatty {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}
	base.SetOutput(os.Stdout)

	entry := base.WithFields(logrus.Fields{"service": "pegasproxy"})
	return &Logger{Entry: entry}
}

// WithField returns a derived logger carrying an extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithFields returns a derived logger carrying extra fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields)}
}

func (l *Logger) Info(msg string, kv ...interface{})  { l.Entry.WithFields(parse(kv...)).Info(msg) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.Entry.WithFields(parse(kv...)).Warn(msg) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.Entry.WithFields(parse(kv...)).Error(msg) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.Entry.WithFields(parse(kv...)).Debug(msg) }

func parse(kv ...interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprintf("%v", kv[i])
		fields[key] = kv[i+1]
	}
	return fields
}
