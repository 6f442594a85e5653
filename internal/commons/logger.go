// Package commons provides the logging primitives shared by every package in
// the orchestrator. It mirrors a small, stable subset of zap's SugaredLogger
// surface so call sites never import zap directly.
package commons

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging interface every component depends on.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatalf(template string, args ...interface{})
	// Benchmark logs the duration of a named operation at debug level.
	Benchmark(op string, d time.Duration)
	// Sync flushes any buffered log entries.
	Sync() error
}

type zapLogger struct {
	*zap.SugaredLogger
}

func (l *zapLogger) Benchmark(op string, d time.Duration) {
	l.Debugw("benchmark", "op", op, "durationMs", d.Milliseconds())
}

// Option configures the application logger.
type Option func(*loggerConfig)

type loggerConfig struct {
	name  string
	path  string
	level string
}

// Name sets the logger's service name, attached to every entry.
func Name(name string) Option { return func(c *loggerConfig) { c.name = name } }

// Path sets a directory for rotated log files. Empty means stderr only.
func Path(path string) Option { return func(c *loggerConfig) { c.path = path } }

// Level sets the minimum level: "debug", "info", "warn", or "error".
func Level(level string) Option { return func(c *loggerConfig) { c.level = level } }

// NewApplicationLogger builds a Logger from the given options. With no Path,
// logs go to stderr only; with a Path set, entries are additionally written
// to a rotated file under that directory via lumberjack.
func NewApplicationLogger(opts ...Option) (Logger, error) {
	cfg := loggerConfig{name: "ringring", level: "info"}
	for _, opt := range opts {
		opt(&cfg)
	}

	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(newStderrSyncer())), level),
	}
	if cfg.path != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.path + "/" + cfg.name + ".log",
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	base := zap.New(zapcore.NewTee(cores...)).With(zap.String("service", cfg.name))
	return &zapLogger{SugaredLogger: base.Sugar()}, nil
}
