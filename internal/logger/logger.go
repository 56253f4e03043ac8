package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the global logger instance
var Log *zap.Logger

// SugaredLog is a sugared logger for printf-style logging
var SugaredLog *zap.SugaredLogger

// Initialize sets up the structured logger with file rotation
// logLevel: "debug", "info", "warn", "error" (default: "info")
// logFile: path to log file (default: "server.log")
func Initialize(logLevel string, logFile string) error {
	if logFile == "" {
		logFile = "server.log"
	}

	if logLevel == "" {
		logLevel = "info"
	}

	level := parseLogLevel(logLevel)

	// File output with rotation
	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     7, // days
		Compress:   true,
	})

	// Console encoder (human-readable for development)
	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())

	// JSON encoder (machine-readable for production)
	jsonEncoderConfig := zap.NewProductionEncoderConfig()
	jsonEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(jsonEncoderConfig)

	consoleCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.AddSync(os.Stdout),
		level,
	)

	fileCore := zapcore.NewCore(
		jsonEncoder,
		fileWriter,
		level,
	)

	core := zapcore.NewTee(consoleCore, fileCore)

	Log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	SugaredLog = Log.Sugar()

	Log.Info("Logger initialized",
		zap.String("level", logLevel),
		zap.String("file", logFile),
	)

	return nil
}

// Close flushes the logger before shutdown
func Close() error {
	if Log != nil {
		return Log.Sync()
	}
	return nil
}

// parseLogLevel converts string to zapcore.Level
func parseLogLevel(levelStr string) zapcore.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NopLogger returns a no-op logger for tests and optional dependencies.
func NopLogger() *zap.Logger {
	return zap.NewNop()
}

// Helper functions for common logging patterns

// Error logs an error with structured fields
func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// Warn logs a warning message with structured fields
func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

// ErrorWithFields logs an error message with an error
func ErrorWithFields(msg string, err error) {
	if err != nil {
		Log.Error(msg, zap.Error(err))
	} else {
		Log.Error(msg)
	}
}

// FatalWithFields logs a fatal error and exits
func FatalWithFields(msg string, err error) {
	if err != nil {
		Log.Fatal(msg, zap.Error(err))
	} else {
		Log.Fatal(msg)
	}
}

// Fields commonly attached across the pipeline

func WithJobID(jobID string) zap.Field {
	return zap.String("job_id", jobID)
}

func WithStage(stage string) zap.Field {
	return zap.String("stage", stage)
}

func WithArtifact(name string) zap.Field {
	return zap.String("artifact", name)
}

func WithAttempt(attempt int) zap.Field {
	return zap.Int("attempt", attempt)
}

func WithWorkerID(workerID int) zap.Field {
	return zap.Int("worker_id", workerID)
}

func WithDuration(duration interface{}) zap.Field {
	return zap.Any("duration", duration)
}
