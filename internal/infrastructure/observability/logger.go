package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures the optional rotating log file.
type LogOptions struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// NewLogger builds a JSON logger on stdout, teed into a rotating file when opts.File is set.
func NewLogger(level string, opts LogOptions) *zerolog.Logger {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	case "disabled", "off":
		lvl = zerolog.Disabled
	}
	var w io.Writer = os.Stdout
	if opts.File != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		})
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &logger
}

// Component returns a child logger tagged with the component name.
func Component(l *zerolog.Logger, name string) *zerolog.Logger {
	if l == nil {
		nop := zerolog.Nop()
		return &nop
	}
	c := l.With().Str("component", name).Logger()
	return &c
}
