// Package log provides structured logging for the loader using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with loader-specific helpers.
type Logger struct {
	*zap.Logger
}

// Field is the type the field helpers below return, re-exported so
// callers elsewhere in the module don't need their own zap import just
// to hold onto one.
type Field = zap.Field

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithModule returns a logger with the module name field preset.
func (l *Logger) WithModule(name string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("module", name))}
}

// DebugEnabled reports whether this logger's core will actually emit a
// Debug record, so a caller can skip work a debug trace alone needs
// (e.g. disassembling a relocation write site) when nothing would be
// printed.
func (l *Logger) DebugEnabled() bool {
	return l.Logger.Core().Enabled(zapcore.DebugLevel)
}

// Hex formats a uint64 as a 0x-prefixed hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Sym creates a symbol-name field.
func Sym(name string) zap.Field {
	return zap.String("sym", name)
}

// RelocType creates a relocation-type field.
func RelocType(t uint32) zap.Field {
	return zap.Uint32("reloc_type", t)
}

// Insn creates a disassembled-instruction-text field, for the
// JUMP_SLOT/PLT debug trace's decoded write site.
func Insn(text string) zap.Field {
	return zap.String("insn", text)
}
