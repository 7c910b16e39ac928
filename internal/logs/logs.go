// Package logs builds the process logger.
package logs

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures New.
type Options struct {
	Level  string // trace|debug|info|warn|error|fatal
	Format string // text|json
	File   string // optional path; output goes to Output and the file

	// Output defaults to os.Stdout.
	Output io.Writer
}

// New returns a logger configured by opts. When File is set the file is
// opened in append mode and stays open for the lifetime of the process.
func New(opts Options) (*logrus.Logger, error) {
	l := logrus.New()

	level := logrus.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(opts.Level); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	l.SetLevel(level)

	switch opts.Format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format %q: expected text or json", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out = io.MultiWriter(out, f)
	}
	l.SetOutput(out)
	return l, nil
}

// Discard returns a logger that drops everything. Library packages fall
// back to it when no logger is injected.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}
