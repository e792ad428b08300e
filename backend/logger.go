package backend

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the package-level structured logger.
// All backend code should use this instead of fmt.Printf.
var Logger = slog.Default()

// LogOptions selects level, format and an optional rotating log file.
type LogOptions struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // rotated with lumberjack when set
}

// InitLogger initialises the slog default logger.
// logLevel should be one of: "debug", "info", "warn", "error".
// LOG_LEVEL, LOG_FORMAT and LOG_FILE override the arguments.
func InitLogger(logLevel string) {
	InitLoggerWith(LogOptions{Level: logLevel})
}

// InitLoggerWith is InitLogger with a file sink.
func InitLoggerWith(opts LogOptions) *slog.Logger {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		opts.Level = env
	}
	if env := os.Getenv("LOG_FORMAT"); env != "" {
		opts.Format = env
	}
	if env := os.Getenv("LOG_FILE"); env != "" {
		opts.File = env
	}

	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}

	logger := slog.New(newHandler(out, opts))
	slog.SetDefault(logger)
	Logger = logger
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, opts LogOptions) slog.Handler {
	hopts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	if opts.Format == "json" {
		return slog.NewJSONHandler(w, hopts)
	}
	return slog.NewTextHandler(w, hopts)
}
