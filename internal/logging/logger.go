package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the daemon logger.
type Options struct {
	// File receives every record as JSON.
	File    string
	Profile string
	Debug   bool
}

// New builds the daemon logger. The log file gets JSON at info (debug with
// Debug set); stderr only shows warnings unless Debug is set, since inboxd is
// usually spawned in the background by inboxctl.
func New(opts Options) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(opts.File), 0700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fileLevel, stderrLevel := zapcore.InfoLevel, zapcore.WarnLevel
	if opts.Debug {
		fileLevel, stderrLevel = zapcore.DebugLevel, zapcore.DebugLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(file), fileLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), stderrLevel),
	)
	return zap.New(core, zap.Fields(
		zap.String("profile", opts.Profile),
		zap.Int("pid", os.Getpid()),
	)), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
