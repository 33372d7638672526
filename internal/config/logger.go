package config

import (
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig sends logs to a rotating file instead of stderr.
type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
	Compress   bool   `yaml:"compress"`
}

const (
	defaultLogMaxSize    = 100
	defaultLogMaxBackups = 5
	defaultLogMaxAge     = 14
)

func (c LogConfig) WithDefaults() LogConfig {
	cpy := c
	if cpy.MaxSize == 0 {
		cpy.MaxSize = defaultLogMaxSize
	}
	if cpy.MaxBackups == 0 {
		cpy.MaxBackups = defaultLogMaxBackups
	}
	if cpy.MaxAge == 0 {
		cpy.MaxAge = defaultLogMaxAge
	}
	return cpy
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// CreateLogger builds the process logger. The closer flushes a file logger
// and is a no-op otherwise.
func (c Config) CreateLogger() (*zap.Logger, io.Closer, error) {
	if c.Logger != nil && c.Logger.Path != "" {
		l, closer := newFileLogger(*c.Logger, c.Debug)
		return l, closer, nil
	}
	var (
		logger *zap.Logger
		err    error
	)
	if c.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, err
	}
	return logger, nopCloser{}, nil
}

func newFileLogger(c LogConfig, debug bool) (*zap.Logger, io.Closer) {
	c = c.WithDefaults()
	rotating := &lumberjack.Logger{
		Filename:   c.Path,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(rotating), level)
	return zap.New(core, zap.AddCaller()), rotating
}
