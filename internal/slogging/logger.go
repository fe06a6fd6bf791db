// Package slogging provides the process-wide logger for the collaboration
// server. It wraps log/slog with file rotation and a printf-style facade so
// call sites stay terse.
package slogging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents logging verbosity
type LogLevel int

const (
	// LogLevelDebug includes detailed debug information
	LogLevelDebug LogLevel = iota
	// LogLevelInfo includes general request information
	LogLevelInfo
	// LogLevelWarn includes warnings and errors only
	LogLevelWarn
	// LogLevelError includes only errors
	LogLevelError
)

var (
	globalLogger *Logger
	// Default log file location
	defaultLogDir = "logs"
)

// Logger is the slog-based logging component
type Logger struct {
	slogger    *slog.Logger
	level      LogLevel
	isDev      bool
	fileLogger *lumberjack.Logger
}

// Config holds configuration options for the logger
type Config struct {
	// Level is the minimum log level to output
	Level LogLevel
	// IsDev selects the text handler instead of JSON
	IsDev bool
	// LogDir is the directory to store log files
	LogDir string
	// MaxAgeDays is the maximum number of days to retain logs
	MaxAgeDays int
	// MaxSizeMB is the maximum size of a log file in MB before rotation
	MaxSizeMB int
	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int
	// AlsoLogToConsole controls if logs also go to stdout
	AlsoLogToConsole bool
}

// ParseLogLevel converts a string log level to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) toSlogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new slog-based logger instance
func NewLogger(config Config) (*Logger, error) {
	if config.LogDir == "" {
		config.LogDir = defaultLogDir
	}
	if config.MaxAgeDays <= 0 {
		config.MaxAgeDays = 7
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 100
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 10
	}

	if err := os.MkdirAll(config.LogDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(config.LogDir, "collabserver.log"),
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   true,
	}

	var writer io.Writer
	if config.AlsoLogToConsole {
		writer = io.MultiWriter(os.Stdout, fileLogger)
	} else {
		writer = fileLogger
	}

	handlerOpts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if config.IsDev {
		// Text handler for development (easier to read)
		handler = slog.NewTextHandler(writer, handlerOpts)
	} else {
		// JSON handler for production (structured logging)
		handler = slog.NewJSONHandler(writer, handlerOpts)
	}

	return &Logger{
		slogger:    slog.New(handler),
		level:      config.Level,
		isDev:      config.IsDev,
		fileLogger: fileLogger,
	}, nil
}

// Initialize sets up the global logger
func Initialize(config Config) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	slog.SetDefault(logger.slogger)
	return nil
}

// Get returns the global logger instance, initializing with defaults if needed
func Get() *Logger {
	if globalLogger == nil {
		logDir := os.Getenv("COLLAB_LOG_DIR")
		if logDir == "" {
			logDir = defaultLogDir
		}
		err := Initialize(Config{
			Level:            LogLevelInfo,
			LogDir:           logDir,
			MaxAgeDays:       7,
			AlsoLogToConsole: true,
		})
		if err != nil {
			// Fall back to a simple console logger
			handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			})
			globalLogger = &Logger{
				slogger: slog.New(handler),
				level:   LogLevelInfo,
			}
		}
	}
	return globalLogger
}

// Close flushes and closes the underlying log file
func (l *Logger) Close() error {
	if l.fileLogger != nil {
		return l.fileLogger.Close()
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...any) {
	l.slogger.Debug(fmt.Sprintf(format, args...))
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...any) {
	l.slogger.Info(fmt.Sprintf(format, args...))
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...any) {
	l.slogger.Warn(fmt.Sprintf(format, args...))
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.slogger.Error(fmt.Sprintf(format, args...))
}
