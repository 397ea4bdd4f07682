// Package logging configures the global zerolog logger: a console writer
// on stderr plus a rotating file under the service root's logs directory.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is one of trace, debug, info, warn, error. Empty means info,
	// or the value of SPRINTBOT_LOG_LEVEL when set.
	Level string
	// Dir is the directory for the rotating sbd.log file. Empty disables
	// file logging (console only).
	Dir string
	// Console disables the stderr writer when false is wanted; zero value
	// keeps it on via Init.
	NoConsole bool
}

// Init installs the global logger. Safe to call once at process start,
// before any component logs.
func Init(opts Options) {
	level := opts.Level
	if level == "" {
		level = os.Getenv("SPRINTBOT_LOG_LEVEL")
	}
	zerolog.SetGlobalLevel(parseLevel(level))
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	if !opts.NoConsole {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	}
	if opts.Dir != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "sbd.log"),
			MaxSize:    16, // megabytes
			MaxBackups: 32,
			MaxAge:     365, // days
			Compress:   true,
		})
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with a component name. All
// packages log through these instead of bare log.Logger so records are
// attributable.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
