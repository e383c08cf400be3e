// Package log is a thin process-wide wrapper around zap.
package log

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation configures a size rotated log file.
type Rotation struct {
	Filename string
	// MaxSize is in megabytes.
	MaxSize    int
	MaxBackups int
	// MaxAge is in days.
	MaxAge   int
	Compress bool
}

func parseLevel(level string) (zapcore.Level, error) {
	lvl := zapcore.InfoLevel
	if level == "" {
		return lvl, nil
	}
	err := lvl.UnmarshalText([]byte(level))
	return lvl, err
}

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

// New builds a production JSON logger writing to stderr. level accepts zap
// level names ("debug", "info", ...); an empty level means info.
func New(level string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	config := zap.NewProductionConfig()
	config.EncoderConfig = encoderConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)

	return config.Build()
}

// NewWithRotation is New writing to a rotated file instead of stderr. An
// empty Filename falls back to New.
func NewWithRotation(level string, r Rotation) (*zap.Logger, error) {
	if r.Filename == "" {
		return New(level)
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   r.Filename,
		MaxSize:    r.MaxSize,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAge,
		Compress:   r.Compress,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), w, lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

var std atomic.Pointer[zap.Logger]

// SetLogger replaces the logger used by the package level functions and by
// zap.L.
func SetLogger(l *zap.Logger) {
	zap.ReplaceGlobals(l)
	std.Store(l.WithOptions(zap.AddCallerSkip(1)))
}

func Logger() *zap.Logger {
	return zap.L()
}

// caller-skipped logger so entries point at the caller of Info, not at this file
func logger() *zap.Logger {
	if l := std.Load(); l != nil {
		return l
	}
	return zap.L().WithOptions(zap.AddCallerSkip(1))
}

func Debug(msg string, fields ...zap.Field) {
	logger().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	logger().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger().Error(msg, fields...)
}

func Sync() error {
	return zap.L().Sync()
}
