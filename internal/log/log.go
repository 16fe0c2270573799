// Package log configures logrus for localsync.
package log

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewFormatter returns the formatter used by every localsync binary
func NewFormatter(json bool) logrus.Formatter {
	if json {
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyMsg: "message",
			},
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  time.RFC3339Nano,
		DisableQuote:     true,
		QuoteEmptyFields: true,
	}
}

// Component returns an entry tagged with the given component name
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

// RotatingFile returns a writer that rotates the log file once it grows past maxSizeMB
func RotatingFile(path string, maxSizeMB int) io.WriteCloser {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		Compress:   true,
	}
}
