package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "control-plane").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Security creates a logger for authentication and authorization events.
func Security() *zerolog.Logger {
	l := Log.With().Str("component", "security").Logger()
	return &l
}

// OAuth creates a logger for grant-dispatch events.
func OAuth() *zerolog.Logger {
	l := Log.With().Str("component", "oauth").Logger()
	return &l
}

// Nodes creates a logger for node-registry events.
func Nodes() *zerolog.Logger {
	l := Log.With().Str("component", "nodes").Logger()
	return &l
}

// Scheduler creates a logger for placement decisions.
func Scheduler() *zerolog.Logger {
	l := Log.With().Str("component", "scheduler").Logger()
	return &l
}

// Autoscaler creates a logger for scaling recommendations.
func Autoscaler() *zerolog.Logger {
	l := Log.With().Str("component", "autoscaler").Logger()
	return &l
}

// WebSocket creates a logger for connection auth events.
func WebSocket() *zerolog.Logger {
	l := Log.With().Str("component", "websocket").Logger()
	return &l
}

// HTTP creates a logger for HTTP request events
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
