// Package logger provides the contextual, structured logger used across the
// frontend. It wraps logrus the same way the teacher's shared/logger package
// does, adding a Ctx map for structured fields and a package-level default
// logger that core packages acquire via AddContext.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Ctx is a map of structured logging fields, mirroring the teacher's
// logger.Ctx convention (shared/logger in the teacher repo).
type Ctx map[string]any

// Logger is a contextual logger bound to a set of fields.
type Logger struct {
	entry *logrus.Entry
}

var (
	mu     sync.Mutex
	base   = logrus.New()
	debugF bool
)

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
}

// SetDebug toggles debug-level logging, driven by the Frontend's CTI_DBG tunable.
func SetDebug(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	debugF = enabled
	if enabled {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput redirects the base logger's output to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base.SetOutput(w)
}

// AddContext returns a Logger carrying the given structured fields, plus a
// fresh correlation id so a single logical operation (launch, ship, exec) can
// be traced across the several log lines it produces.
func AddContext(fields Ctx) *Logger {
	f := logrus.Fields{}
	for k, v := range fields {
		f[k] = v
	}

	if _, ok := f["op"]; !ok {
		f["op"] = uuid.NewString()[:8]
	}

	return &Logger{entry: base.WithFields(f)}
}

func (l *Logger) Debug(msg string, fields ...Ctx) { l.log(logrus.DebugLevel, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Ctx)  { l.log(logrus.InfoLevel, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Ctx)  { l.log(logrus.WarnLevel, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Ctx) { l.log(logrus.ErrorLevel, msg, fields...) }

func (l *Logger) log(level logrus.Level, msg string, fields ...Ctx) {
	entry := l.entry
	if len(fields) > 0 {
		f := logrus.Fields{}
		for k, v := range fields[0] {
			f[k] = v
		}

		entry = entry.WithFields(f)
	}

	entry.Log(level, msg)
}

// Debug/Info/Warn/Error log at package scope with no bound context, for
// call sites that haven't set up a contextual Logger.
func Debug(msg string, fields Ctx) { AddContext(fields).Debug(msg) }
func Info(msg string, fields Ctx)  { AddContext(fields).Info(msg) }
func Warn(msg string, fields Ctx)  { AddContext(fields).Warn(msg) }
func Error(msg string, fields Ctx) { AddContext(fields).Error(msg) }
