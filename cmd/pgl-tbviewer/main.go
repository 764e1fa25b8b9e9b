package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-tbviewer/cmd"
	"github.com/paulschiretz/pgl-tbviewer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tbviewer/pkg/flagparse"
	"github.com/paulschiretz/pgl-tbviewer/pkg/hints"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context) error {
	command, flagMap, err := flagparse.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	switch command {
	case flagparse.None:
		return nil
	case flagparse.Version:
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Sync:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunSync(ctx, flagMap)
	case flagparse.View:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunView(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// Canceled on Ctrl+C. The viewer runs in its own process group, so the
	// signal reaches only us and we stop it through the context.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		switch {
		case errors.Is(err, flag.ErrHelp):
			// Usage has already been printed.
			return
		case hints.IsHint(err):
			plog.Info(err.Error())
			return
		}
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
