// Package logger defines a minimal logging function type used throughout
// ztcore, in place of passing around a *log.Logger or a logging interface.
package logger

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logf is a printf-like function for logging.
type Logf func(format string, args ...any)

// Discard throws away logs.
func Discard(string, ...any) {}

// WithPrefix returns a Logf that prepends prefix to each message.
func WithPrefix(logf Logf, prefix string) Logf {
	if prefix == "" {
		return logf
	}
	return func(format string, args ...any) {
		logf(prefix+format, args...)
	}
}

// NewLogrus returns a Logf backed by a logrus.Logger at Info level.
// It is a backend the embedder may pass to ztcore components, matching the
// teacher's pattern of threading a single Logf through every constructor
// while letting the embedder choose the backend; a constructor given a nil
// Logf uses Discard instead.
func NewLogrus(l *logrus.Logger) Logf {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		l.Info(strings.TrimRight(msg, "\n"))
	}
}
