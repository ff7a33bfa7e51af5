package logger

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type LogLevel string

type LogFormat string

const (
	FormatJSON    LogFormat = "json"
	FormatConsole LogFormat = "console"
)

// InitLogger sets the global level and output of the zerolog logger.
func InitLogger(level LogLevel, format LogFormat) error {
	lvl, err := zerolog.ParseLevel(string(level))
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(writerFor(format, os.Stderr)).With().Timestamp().Logger()
	return nil
}

func writerFor(format LogFormat, out io.Writer) io.Writer {
	if format == FormatConsole {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return out
}
