// Package log provides the process-wide structured logger.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init must be called once at
// startup before any component derives a child logger from it.
var Logger zerolog.Logger

// Level is a supported log level, matching the values the configuration
// document allows for global.log_level.
type Level string

const (
	DebugLevel    Level = "DEBUG"
	InfoLevel     Level = "INFO"
	WarningLevel  Level = "WARNING"
	ErrorLevel    Level = "ERROR"
	CriticalLevel Level = "CRITICAL"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarningLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case CriticalLevel:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Sensible default so packages that log before Init (e.g. flag
	// parsing failures) still produce readable output.
	Init(Config{Level: InfoLevel})
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithChange creates a child logger tagged with a change id.
func WithChange(changeID string) zerolog.Logger {
	return Logger.With().Str("change_id", changeID).Logger()
}

// WithPath creates a child logger tagged with a watched path.
func WithPath(path string) zerolog.Logger {
	return Logger.With().Str("path", path).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
