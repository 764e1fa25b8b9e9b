// Package scheduler re-synchronizes a fixed set of sources into a local root
// on a steady cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/util"
)

// EPS is the smallest interval that enables the background loop.
const EPS = time.Microsecond

// SyncFunc mirrors one source into dest.
type SyncFunc func(ctx context.Context, source, dest string) error

// Options holds the injectable clock. Zero values use the real clock.
type Options struct {
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Scheduler runs sync passes over all sources. Passes never overlap.
type Scheduler struct {
	syncFn   SyncFunc
	sources  []string
	destRoot string
	interval time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New creates a Scheduler. destRoot is normalized to end in exactly one
// separator and each source is mirrored into the subdirectory named after its
// last path segment.
func New(syncFn SyncFunc, sources []string, destRoot string, interval time.Duration, opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	s := &Scheduler{
		syncFn:   syncFn,
		sources:  append([]string(nil), sources...),
		destRoot: util.WithTrailingSeparator(destRoot),
		interval: interval,
		now:      opts.Now,
		sleep:    opts.Sleep,
	}

	seen := make(map[string]string, len(sources))
	for _, src := range s.sources {
		dest := s.DestFor(src)
		if prev, ok := seen[dest]; ok {
			plog.Warn("Sources share a destination directory", "first", prev, "second", src, "dest", dest)
		}
		seen[dest] = src
	}
	return s
}

// DestRoot returns the normalized destination root.
func (s *Scheduler) DestRoot() string { return s.destRoot }

// DestFor returns the directory source is mirrored into.
func (s *Scheduler) DestFor(source string) string {
	return s.destRoot + baseName(source)
}

// baseName returns the last path segment of source, ignoring trailing
// separators of either style.
func baseName(source string) string {
	trimmed := strings.Trim(source, `/\`)
	if i := strings.LastIndexAny(trimmed, `/\`); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// NextDelay returns how long to wait after a pass that took elapsed so that
// passes start interval apart. It is never negative.
func NextDelay(interval, elapsed time.Duration) time.Duration {
	return max(0, interval-elapsed)
}

// RunOnce runs a single pass over all sources in order. The first failing
// source ends the pass; sources already mirrored keep their files.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	for _, src := range s.sources {
		if err := s.syncFn(ctx, src, s.DestFor(src)); err != nil {
			return fmt.Errorf("sync %s: %w", src, err)
		}
	}
	return nil
}

// Start runs the first pass synchronously and returns its error. On success,
// and if the interval is larger than EPS, it then keeps syncing in the
// background until ctx is canceled. A pass that has begun always completes;
// cancellation only cuts the wait between passes short.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	start := s.now()
	if err := s.RunOnce(ctx); err != nil {
		return err
	}
	if s.interval <= EPS {
		return nil
	}

	firstDelay := NextDelay(s.interval, s.now().Sub(start))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, firstDelay)
	}()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, delay time.Duration) {
	passCtx := context.WithoutCancel(ctx)
	for {
		if err := s.sleep(ctx, delay); err != nil {
			plog.Debug("Sync loop stopped", "reason", err)
			return
		}

		start := s.now()
		var catcher panics.Catcher
		var err error
		catcher.Try(func() { err = s.RunOnce(passCtx) })
		if recovered := catcher.Recovered(); recovered != nil {
			plog.Warn("Sync pass panicked", "error", recovered.AsError())
		} else if err != nil {
			plog.Warn("Sync pass failed, retrying next interval", "error", err)
		}
		elapsed := s.now().Sub(start)
		plog.Debug("Sync pass finished", "elapsed", elapsed.Round(time.Millisecond))

		delay = NextDelay(s.interval, elapsed)
	}
}

// Wait blocks until the background loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
