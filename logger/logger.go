// Package logger is the process wide log sink. Callers tag every line with a
// prefix naming the device and component; zap does the encoding.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LogLevel orders log lines by severity. It shares zap's numbering so it
// can drive a zap.AtomicLevel directly.
type LogLevel zapcore.Level

const (
	TRACE = LogLevel(zapcore.DebugLevel - 1) // codec buffers, raw frames
	DEBUG = LogLevel(zapcore.DebugLevel)     // discovery callbacks, relay decisions
	INFO  = LogLevel(zapcore.InfoLevel)      // sessions and links
	WARN  = LogLevel(zapcore.WarnLevel)
	ERROR = LogLevel(zapcore.ErrorLevel)
)

var levelNames = map[LogLevel]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// Options controls where and how log lines are written
type Options struct {
	Format string // "console" (default) or "json"
	Output io.Writer
}

var (
	level = zap.NewAtomicLevelAt(zapcore.Level(INFO))
	base  atomic.Pointer[zap.Logger]
)

func init() {
	Configure(Options{})
}

// Configure swaps the zap backend; the current level carries over.
func Configure(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var enc zapcore.Encoder
	if strings.EqualFold(opts.Format, "json") {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeLevel = encodeLevel(false)
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.NameKey = "prefix"
		cfg.EncodeLevel = encodeLevel(true)
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	next := zap.New(zapcore.NewCore(enc, zapcore.AddSync(out), level))
	if old := base.Swap(next); old != nil {
		_ = old.Sync()
	}
}

// encodeLevel names the trace level, which zap only knows as a number
func encodeLevel(upper bool) zapcore.LevelEncoder {
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := LogLevel(l).String()
		if !upper {
			name = strings.ToLower(name)
		}
		enc.AppendString(name)
	}
}

// Zap returns the backend, for libraries that take a *zap.Logger
func Zap() *zap.Logger {
	return base.Load()
}

// Sync flushes buffered entries
func Sync() {
	_ = Zap().Sync()
}

func SetLevel(l LogLevel) {
	level.SetLevel(zapcore.Level(l))
}

func GetLevel() LogLevel {
	return LogLevel(level.Level())
}

// ParseLevel accepts any case; unknown names fall back to INFO
func ParseLevel(name string) LogLevel {
	name = strings.ToUpper(strings.TrimSpace(name))
	for l, n := range levelNames {
		if n == name {
			return l
		}
	}
	return INFO
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LogLevel(%d)", int(l))
}

func write(l LogLevel, prefix, format string, args []interface{}) {
	z := Zap()
	if !z.Core().Enabled(zapcore.Level(l)) {
		return
	}
	if prefix != "" {
		z = z.Named(prefix)
	}
	if ce := z.Check(zapcore.Level(l), fmt.Sprintf(format, args...)); ce != nil {
		ce.Write()
	}
}

// Trace is for wire level detail
func Trace(prefix, format string, args ...interface{}) { write(TRACE, prefix, format, args) }

func Debug(prefix, format string, args ...interface{}) { write(DEBUG, prefix, format, args) }

// Info is for state changes a user of the node cares about
func Info(prefix, format string, args ...interface{}) { write(INFO, prefix, format, args) }

func Warn(prefix, format string, args ...interface{}) { write(WARN, prefix, format, args) }

func Error(prefix, format string, args ...interface{}) { write(ERROR, prefix, format, args) }

// ToJSON renders v indented for a log line. Protobuf messages go through
// protojson so well known types print as their JSON mapping.
func ToJSON(v interface{}) string {
	var (
		out []byte
		err error
	)
	if msg, ok := v.(proto.Message); ok {
		out, err = protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
	} else {
		out, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return "<unprintable: " + err.Error() + ">"
	}
	return string(out)
}

// TraceJSON logs label followed by v rendered by ToJSON. v is only
// rendered when trace output is on.
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() > TRACE {
		return
	}
	write(TRACE, prefix, "%s:\n%s", []interface{}{label, ToJSON(v)})
}

// ShortID trims an address or token to 8 characters for prefixes
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
