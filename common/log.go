package common

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger shared by the analyzer and the CLI.
var Log zerolog.Logger

func SetLevelDebug() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

func SetLevelInfo() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetOutput redirects Log, keeping timestamps.
func SetOutput(w io.Writer) {
	Log = zerolog.New(w).With().Timestamp().Logger()
}

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	Log = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
