package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Command is a child process run by a step.
type Command struct {
	Name string
	Args []string
	Dir  string

	// Env is added to the sequencer's environment.
	Env []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

type Runner interface {
	Run(ctx context.Context, log *slog.Logger, cmd Command) error
}

// ExecRunner runs commands as child processes, copying their output to Out,
// usually the durable log and the console.
type ExecRunner struct {
	Out io.Writer
}

func (r ExecRunner) Run(ctx context.Context, log *slog.Logger, cmd Command) error {
	log.Info("running", slog.String("cmd", cmd.String()),
		slog.String("dir", cmd.Dir))

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdout = r.Out
	c.Stderr = r.Out
	if err := c.Run(); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}
