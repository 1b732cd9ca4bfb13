// Package logging configures the global zerolog logger used across chatwidget.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings selects the log level and output format.
type Settings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	WithCaller bool   `mapstructure:"with-caller"`
}

// Init replaces log.Logger according to s. Format "json" always emits JSON;
// "text" (the default) uses the console writer, with colors only when the
// output is a terminal.
func Init(s Settings) error {
	return InitWriter(s, os.Stderr)
}

// InitWriter is Init with an explicit output.
func InitWriter(s Settings, out io.Writer) error {
	level, err := parseLevel(s.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = out
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "json":
	case "", "text", "console":
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal(out),
		}
	default:
		return errors.Errorf("unknown log format %q", s.Format)
	}

	ctx := zerolog.New(w).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	if level == "warning" {
		level = "warn"
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel, errors.Wrapf(err, "parse log level %q", level)
	}
	return l, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
