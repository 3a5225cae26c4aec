// Package applog configures the process-wide zerolog logger and exposes
// the level-named entry points the rest of the dispatcher logs through.
package applog

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetLevel parses a level name the way the -log-level flag accepts it
// and sets it as the global minimum.
func SetLevel(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error", "err":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Debug, Info, Warn and Error return a zerolog.Event for the
// corresponding level, chained the way the rest of the call sites build
// structured log lines: applog.Info().Str("session", id).Msg("connected").
func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }

// Fatal logs at error level and exits, for startup failures the CLI
// cannot recover from (bad interface or bind address, bind failure).
func Fatal(msg string, err error) {
	log.Error().Err(err).Msg(msg)
	os.Exit(1)
}
