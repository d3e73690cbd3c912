package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls how the global logger is set up.
type Options struct {
	Level   string
	Format  string // console or json
	NoColor bool

	// Sensitive values are masked in every log line.
	Sensitive []string

	// Out defaults to stderr.
	Out io.Writer
}

// Init sets up the global logger. Problems with the options are logged as
// warnings once the logger is usable, they never fail the command.
func Init(opts Options) {
	var queue []string

	levelStr := strings.ToLower(opts.Level)
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
		queue = append(queue, fmt.Sprintf("invalid log level %q, using info", levelStr))
	}
	zerolog.SetGlobalLevel(level)

	output := opts.Out
	if output == nil {
		output = os.Stderr
	}
	if sensitive := nonEmpty(opts.Sensitive); len(sensitive) > 0 {
		output = NewRedactingWriter(output, sensitive)
	}

	switch format := strings.ToLower(opts.Format); format {
	case "json":
		log.Logger = zerolog.New(output).With().
			Timestamp().
			Logger()
	default:
		if format != "" && format != "console" {
			queue = append(queue, fmt.Sprintf("unknown log format %q, using console", format))
		}
		log.Logger = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = output
			w.NoColor = opts.NoColor
			w.TimeFormat = "15:04:05.000"
		})).With().
			Timestamp().
			Logger()
	}

	for _, msg := range queue {
		log.Warn().Msg(msg)
	}
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// RedactingWriter masks secrets before they reach the underlying writer.
type RedactingWriter struct {
	underlying io.Writer
	sensitive  [][]byte
}

func NewRedactingWriter(underlying io.Writer, sensitive []string) *RedactingWriter {
	secrets := make([][]byte, 0, len(sensitive))
	for _, s := range sensitive {
		secrets = append(secrets, []byte(s))
	}
	return &RedactingWriter{
		underlying: underlying,
		sensitive:  secrets,
	}
}

// Write reports len(p) on success so callers never see a short write caused by masking.
func (rw *RedactingWriter) Write(p []byte) (int, error) {
	message := p
	for _, secret := range rw.sensitive {
		if bytes.Contains(message, secret) {
			message = bytes.ReplaceAll(message, secret, []byte("********"))
		}
	}
	if _, err := rw.underlying.Write(message); err != nil {
		return 0, err
	}
	return len(p), nil
}
