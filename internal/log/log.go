// Package log implements a minimalistic structured logging library used
// throughout mailboat, wrapping go.uber.org/zap for the actual sink.
package log

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a stateless value that writes structured, named log lines.
//
// Logger can be copied freely; the underlying zap core is shared.
type Logger struct {
	core  zapcore.Core
	Name  string
	Debug bool

	// Fields are additional key/value pairs merged into every message.
	Fields map[string]interface{}
}

// New builds a Logger writing JSON lines to stderr at the given name.
func New(name string, debug bool) Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:     "ts",
		LevelKey:    "level",
		MessageKey:  "msg",
		EncodeTime:  zapcore.ISO8601TimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	})
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(os.Stderr)), level)
	return Logger{core: core, Name: name, Debug: debug}
}

// Zap returns a *zap.Logger view over this Logger, named and tagged the
// same way, for components that want the native zap API (e.g. the SMTP
// client library's debug hooks).
func (l Logger) Zap() *zap.Logger {
	if l.core == nil {
		l.core = zapcore.NewNopCore()
	}
	z := zap.New(l.core).Named(l.Name)
	for k, v := range l.Fields {
		z = z.With(zap.Any(k, v))
	}
	return z
}

func (l Logger) with(extra ...interface{}) Logger {
	cp := l
	cp.Fields = make(map[string]interface{}, len(l.Fields)+len(extra)/2)
	for k, v := range l.Fields {
		cp.Fields[k] = v
	}
	fieldsToMap(extra, cp.Fields)
	return cp
}

// With returns a derived Logger carrying additional structured fields.
func (l Logger) With(kv ...interface{}) Logger {
	return l.with(kv...)
}

func fieldsToMap(kv []interface{}, out map[string]interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out[key] = kv[i+1]
	}
}

// Debugf logs a formatted debug-level message, a no-op unless Debug is set.
func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.Zap().Debug(fmt.Sprintf(format, val...))
}

// Println logs a plain informational line.
func (l Logger) Println(val ...interface{}) {
	l.Zap().Info(strings.TrimRight(fmt.Sprintln(val...), "\n"))
}

// Printf satisfies the Printf-style logger interface go-smtp's
// Server.ErrorLog expects.
func (l Logger) Printf(format string, val ...interface{}) {
	l.Zap().Info(fmt.Sprintf(format, val...))
}

// Msg logs a structured event with name/value pairs appended to Fields.
func (l Logger) Msg(msg string, kv ...interface{}) {
	l.with(kv...).Zap().Info(msg)
}

// Error logs err alongside msg and any extra key/value pairs. The error
// value itself is never logged with a "password" key by convention —
// callers must not pass raw credentials in kv.
func (l Logger) Error(msg string, err error, kv ...interface{}) {
	derived := l.with(kv...)
	derived.Zap().Error(msg, zap.Error(err))
}

// DebugMsg is the structured counterpart of Debugf, a no-op unless Debug.
func (l Logger) DebugMsg(msg string, kv ...interface{}) {
	if !l.Debug {
		return
	}
	l.with(kv...).Zap().Debug(msg)
}

// Write implements io.Writer so Logger can back *log.Logger adapters
// required by libraries (e.g. go-smtp's ErrorLog).
func (l Logger) Write(p []byte) (int, error) {
	l.Zap().Error(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

var start = time.Now()

// Uptime is exposed for components that want to tag messages with process
// age without importing time directly (keeps call sites terse).
func Uptime() time.Duration { return time.Since(start) }
