package cmd

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-tbviewer/pkg/config"
	"github.com/paulschiretz/pgl-tbviewer/pkg/downloadcache"
	"github.com/paulschiretz/pgl-tbviewer/pkg/flagparse"
	"github.com/paulschiretz/pgl-tbviewer/pkg/fsprovider"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/registry"
	"github.com/paulschiretz/pgl-tbviewer/pkg/scheduler"
	"github.com/paulschiretz/pgl-tbviewer/pkg/treesync"
)

// loadRunConfig loads the configuration file, merges the flags over it and
// validates the result. It also applies the log level.
func loadRunConfig(command flagparse.Command, flagMap map[string]interface{}) (config.Config, error) {
	configPath, _ := flagMap["config"].(string)

	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(true); err != nil {
		return config.Config{}, err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	plog.SetQuiet(runConfig.Quiet)
	runConfig.LogSummary()
	return runConfig, nil
}

// session is the sync stack built from one run configuration.
type session struct {
	workers      int
	registry     *registry.Registry
	cache        *downloadcache.Cache
	cacheMetrics *downloadcache.CacheMetrics
	syncer       *treesync.Syncer
	logMetrics   bool
}

func newSession(cfg config.Config) *session {
	reg := registry.NewWithFactories(cfg.Providers.CacheSize, fsprovider.DefaultFactories(cfg.ProviderOptions()))

	cacheMetrics := &downloadcache.CacheMetrics{}
	cache := downloadcache.New(cfg.CacheOptions(cacheMetrics))

	return &session{
		workers:      cfg.Sync.Workers,
		registry:     reg,
		cache:        cache,
		cacheMetrics: cacheMetrics,
		syncer:       treesync.New(reg, cache, cfg.SyncerOptions()),
		logMetrics:   cfg.Sync.Metrics,
	}
}

// syncSource mirrors one source. It is the scheduler's SyncFunc.
func (s *session) syncSource(ctx context.Context, source, dest string) error {
	_, err := s.syncer.Sync(ctx, source, dest, s.workers, nil)
	return err
}

func (s *session) newScheduler(cfg config.Config, destRoot string) *scheduler.Scheduler {
	return scheduler.New(s.syncSource, cfg.Sources, destRoot, cfg.SyncInterval(), scheduler.Options{})
}

// close releases cached providers and logs the download totals.
func (s *session) close() {
	if s.logMetrics {
		s.cacheMetrics.LogSummary("Download cache")
	}
	if err := s.registry.Close(); err != nil {
		plog.Warn("Failed to close providers", "error", err)
	}
}
