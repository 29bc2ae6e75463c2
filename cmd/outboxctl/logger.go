package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velmie/outbox/v2"
)

// zapLogger adapts a sugared zap logger to outbox.Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

var _ outbox.Logger = zapLogger{}

func (l zapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }

func (l zapLogger) Info(msg string, args ...any) { l.sugar.Infow(msg, args...) }

func (l zapLogger) Warn(msg string, args ...any) { l.sugar.Warnw(msg, args...) }

func (l zapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

// newZapLogger builds a production logger writing to stderr. The text format uses the console
// encoder; verbose lowers the level to debug.
func newZapLogger(verbose bool, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format != "json" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	return cfg.Build()
}
