// Package logging provides the component logger used by every nodelink package.
// It keeps a small key=value style API and writes through zap.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var zapLevels = map[Level]zapcore.Level{
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
}

// ParseLevel converts a case-insensitive level name ("debug", "info", ...).
func ParseLevel(s string) (Level, error) {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if lvl == "WARNING" {
		lvl = LevelWarn
	}
	if _, ok := zapLevels[lvl]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// Logger writes leveled, component-tagged log lines.
type Logger struct {
	zl        *zap.Logger
	level     zap.AtomicLevel
	output    zapcore.WriteSyncer
	component string
	nodeID    string
	nop       bool
}

// New creates a Logger writing INFO and above to stderr.
func New() *Logger {
	l := &Logger{
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
		output: zapcore.Lock(zapcore.AddSync(os.Stderr)),
	}
	l.build()
	return l
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{
		zl:    zap.NewNop(),
		level: zap.NewAtomicLevelAt(zapcore.FatalLevel),
		nop:   true,
	}
}

func (l *Logger) build() {
	if l.nop {
		l.zl = zap.NewNop()
		return
	}
	encCfg := zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		NameKey:          "component",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       utcTimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       bracketNameEncoder,
		ConsoleSeparator: " ",
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), l.output, l.level)
	zl := zap.New(core)
	if l.component != "" {
		zl = zl.Named(l.component)
	}
	if l.nodeID != "" {
		zl = zl.With(zap.String("node", l.nodeID))
	}
	l.zl = zl
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
}

func bracketNameEncoder(name string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + name + "]")
}

func (l *Logger) derive(component, nodeID string) *Logger {
	d := &Logger{
		level:     l.level,
		output:    l.output,
		component: component,
		nodeID:    nodeID,
		nop:       l.nop,
	}
	d.build()
	return d
}

// WithComponent returns a new logger with the given component name. The
// derived logger shares the parent's level.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(component, l.nodeID)
}

// WithNodeID returns a new logger that tags every line with node=<id>.
func (l *Logger) WithNodeID(nodeID string) *Logger {
	return l.derive(l.component, nodeID)
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	if zl, ok := zapLevels[level]; ok && !l.nop {
		l.level.SetLevel(zl)
	}
}

// SetOutput sets the output writer (default: stderr).
func (l *Logger) SetOutput(w io.Writer) {
	if l.nop {
		return
	}
	l.output = zapcore.Lock(zapcore.AddSync(w))
	l.build()
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.zl.Debug(msg, toZap(fields)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.zl.Info(msg, toZap(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.zl.Warn(msg, toZap(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.zl.Error(msg, toZap(fields)...)
}

// toZap flattens the optional field map into sorted zap fields so output is stable.
func toZap(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 || fields[0] == nil {
		return nil
	}
	keys := make([]string, 0, len(fields[0]))
	for k := range fields[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		v := fields[0][k]
		if err, ok := v.(error); ok {
			out = append(out, zap.String(k, err.Error()))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

// --- Protocol event helpers ---

// Discarded logs a message that was received but not processed.
func (l *Logger) Discarded(reason, messageID, messageType string) {
	l.Debug("message_discarded", map[string]interface{}{
		"reason":       reason,
		"message_id":   messageID,
		"message_type": messageType,
	})
}

// SendFailed logs a channel-level send failure.
func (l *Logger) SendFailed(messageID, messageType string, err error) {
	l.Error("send_failed", map[string]interface{}{
		"message_id":   messageID,
		"message_type": messageType,
		"error":        err,
	})
}
