package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-tbviewer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tbviewer/pkg/cachedir"
	"github.com/paulschiretz/pgl-tbviewer/pkg/flagparse"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/scheduler"
)

// RunSync mirrors the sources into the cache directory. With a sync interval
// of zero it runs a single pass, otherwise it keeps syncing until ctx is
// canceled.
func RunSync(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagparse.Sync, flagMap)
	if err != nil {
		return err
	}
	// A temporary directory would be deleted on exit, taking the mirror with it.
	if runConfig.CacheDir == "" {
		return fmt.Errorf("the -cache-dir flag is required for the sync command")
	}

	s := newSession(runConfig)
	defer s.close()

	return cachedir.With(runConfig.CacheDir, confirmFunc(runConfig.Force), func(root string) error {
		sched := s.newScheduler(runConfig, root)

		startTime := time.Now()
		if err := sched.Start(ctx); err != nil {
			return err
		}
		if runConfig.SyncInterval() <= scheduler.EPS {
			plog.Info(buildinfo.Name+" sync finished successfully.", "duration", time.Since(startTime).Round(time.Millisecond))
			return nil
		}

		plog.Info("Syncing in the background, press Ctrl+C to stop", "interval", runConfig.SyncInterval(), "cache_dir", sched.DestRoot())
		<-ctx.Done()
		sched.Wait()
		plog.Info(buildinfo.Name + " stopped.")
		return nil
	})
}
