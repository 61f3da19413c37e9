// Package logging installs the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the default slog logger from VYAPAAR_LOG_LEVEL and
// VYAPAAR_LOG_FORMAT env vars and an optional -log-level/--log-level CLI
// flag (flag wins over env). It returns args with the flag stripped so
// downstream flag.Parse calls don't choke on it.
func InitLogging(args []string) []string {
	levelStr := os.Getenv("VYAPAAR_LOG_LEVEL")
	if levelStr == "" {
		levelStr = "info"
	}
	format := strings.ToLower(os.Getenv("VYAPAAR_LOG_FORMAT"))
	if format == "" {
		format = "text"
	}

	var remaining []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "--log-level=") {
			levelStr = strings.TrimPrefix(arg, "--log-level=")
			continue
		}
		if strings.HasPrefix(arg, "-log-level=") {
			levelStr = strings.TrimPrefix(arg, "-log-level=")
			continue
		}
		if arg == "-log-level" || arg == "--log-level" {
			if i+1 < len(args) {
				levelStr = args[i+1]
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "--log-format=") {
			format = strings.ToLower(strings.TrimPrefix(arg, "--log-format="))
			continue
		}

		remaining = append(remaining, arg)
	}

	slog.SetDefault(slog.New(NewHandler(os.Stderr, levelStr, format)))
	return remaining
}

// NewHandler builds a slog.Handler for the given level name ("debug", "info",
// "warn"/"warning", "error") and format ("text" or "json"); unrecognised
// values fall back to info/text.
func NewHandler(w *os.File, levelStr, format string) slog.Handler {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
