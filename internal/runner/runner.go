package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Command is one external program invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Stdin io.Reader
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// Exec runs commands with os/exec. Output is forwarded to the debug log and the
// tail of stderr is attached to failures.
type Exec struct{}

func (Exec) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin

	var stderr bytes.Buffer
	cmd.Stdout = &logWriter{cmd: c.Name}
	cmd.Stderr = io.MultiWriter(&logWriter{cmd: c.Name}, &stderr)

	log.Debug().Msgf("exec: %s", c)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", c.Name, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %s", c.Name, err, tail(stderr.String(), 20))
	}
	return nil
}

// logWriter forwards command output line by line to the debug log.
type logWriter struct {
	cmd string
	buf []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		log.Debug().Str("cmd", w.cmd).Msg(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func tail(s string, lines int) string {
	parts := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}
