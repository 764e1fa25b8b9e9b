// Package viewer runs the event-log viewer against the local cache root.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-tbviewer/pkg/hints"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
)

// DefaultCommand is the viewer executable looked up in PATH.
const DefaultCommand = "tensorboard"

// ErrInterrupted is returned when the viewer was stopped through the context,
// normally by Ctrl-C. It is a hint, not a failure.
var ErrInterrupted = hints.New("viewer interrupted")

// defaultWaitDelay bounds how long a viewer may take to exit after being
// asked to stop before it is killed.
const defaultWaitDelay = 5 * time.Second

// CommandContextFunc builds the viewer process. It must return a command
// created by exec.CommandContext.
type CommandContextFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

// Launcher starts the viewer.
type Launcher struct {
	command        string
	commandContext CommandContextFunc

	Stdout io.Writer
	Stderr io.Writer
}

// NewLauncher creates a Launcher for command. An empty command selects
// DefaultCommand, a nil commandContext exec.CommandContext.
func NewLauncher(command string, commandContext CommandContextFunc) *Launcher {
	if command == "" {
		command = DefaultCommand
	}
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Launcher{
		command:        command,
		commandContext: commandContext,
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	}
}

// Args returns the viewer arguments for logdir.
func Args(logdir string, extraArgs []string) []string {
	return append([]string{"--logdir", logdir}, extraArgs...)
}

// Run starts the viewer on logdir and blocks until it exits. Canceling ctx
// stops the viewer's whole process group and yields ErrInterrupted.
func (l *Launcher) Run(ctx context.Context, logdir string, extraArgs []string) error {
	args := Args(logdir, extraArgs)
	cmd := l.commandContext(ctx, l.command, args...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.WaitDelay = defaultWaitDelay
	// The viewer gets its own process group so the terminal's Ctrl-C reaches
	// only us; we then stop the group through ctx.
	setProcessGroup(cmd)

	plog.Info("Starting viewer", "command", l.command, "logdir", logdir, "args", extraArgs)
	err := cmd.Run()
	if ctx.Err() != nil {
		plog.Debug("Viewer stopped", "reason", ctx.Err())
		return ErrInterrupted
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("viewer command %q not found, is it installed and in PATH: %w", l.command, err)
		}
		return fmt.Errorf("viewer %q exited: %w", l.command, err)
	}
	return nil
}
