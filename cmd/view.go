package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-tbviewer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tbviewer/pkg/cachedir"
	"github.com/paulschiretz/pgl-tbviewer/pkg/flagparse"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/viewer"
)

// RunView mirrors the sources, keeps them in sync in the background and runs
// the viewer on the local copy until it exits or ctx is canceled.
func RunView(ctx context.Context, flagMap map[string]interface{}) error {
	return runView(ctx, flagMap, nil)
}

func runView(ctx context.Context, flagMap map[string]interface{}, commandContext viewer.CommandContextFunc) error {
	runConfig, err := loadRunConfig(flagparse.View, flagMap)
	if err != nil {
		return err
	}
	launcher := viewer.NewLauncher(runConfig.Viewer.Command, commandContext)

	s := newSession(runConfig)
	defer s.close()

	return cachedir.With(runConfig.CacheDir, confirmFunc(runConfig.Force), func(root string) error {
		syncCtx, stopSync := context.WithCancel(ctx)
		sched := s.newScheduler(runConfig, root)
		defer func() {
			stopSync()
			sched.Wait()
		}()

		startTime := time.Now()
		if err := sched.Start(syncCtx); err != nil {
			return fmt.Errorf("initial sync failed: %w", err)
		}
		plog.Info("Initial sync complete", "cache_dir", sched.DestRoot(), "duration", time.Since(startTime).Round(time.Millisecond))

		err := launcher.Run(ctx, sched.DestRoot(), runConfig.Viewer.Args)
		if errors.Is(err, viewer.ErrInterrupted) {
			plog.Info(buildinfo.Name + " stopped.")
			return nil
		}
		return err
	})
}
