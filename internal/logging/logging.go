// Package logging holds the levelled logger shared by the shmsync packages.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logger verbosity. Messages below the current level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

const envLogLevel = "SHMSYNC_LOG_LEVEL"

var (
	atom = zap.NewAtomicLevelAt(zapcore.WarnLevel)

	internalLogger = New("shmsync", os.Stdout)
)

func init() {
	if v := os.Getenv(envLogLevel); v != "" {
		if l, ok := ParseLevel(v); ok {
			SetLogLevel(l)
		}
	}
}

// ParseLevel maps debug, info, warn, error and none to a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "none", "off":
		return LevelNoPrint, true
	}
	return LevelWarn, false
}

// SetLogLevel changes the level of every logger in the process. The default
// is LevelWarn; SHMSYNC_LOG_LEVEL sets it at start-up.
func SetLogLevel(l Level) {
	switch l {
	case LevelDebug:
		atom.SetLevel(zapcore.DebugLevel)
	case LevelInfo:
		atom.SetLevel(zapcore.InfoLevel)
	case LevelWarn:
		atom.SetLevel(zapcore.WarnLevel)
	case LevelError:
		atom.SetLevel(zapcore.ErrorLevel)
	case LevelNoPrint:
		atom.SetLevel(zapcore.FatalLevel + 1)
	}
}

// Logger is a named, levelled printf-style logger.
type Logger struct {
	s *zap.SugaredLogger
}

// New returns a logger writing to out, or stdout when out is nil.
func New(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.999999")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(out), atom)
	return &Logger{s: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Named(name).Sugar()}
}

// Internal returns the package-wide logger.
func Internal() *Logger {
	return internalLogger
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{s: l.s.With(kv...)}
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.s.Errorf(format, a...)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.s.Warnf(format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.s.Infof(format, a...)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.s.Debugf(format, a...)
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.s.Sync()
}
