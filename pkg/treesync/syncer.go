// Package treesync mirrors every event-log file below a remote source into a
// local directory, preserving the relative layout.
package treesync

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-tbviewer/pkg/fsprovider"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/sharded"
	"github.com/paulschiretz/pgl-tbviewer/pkg/util"
)

// DefaultMarker selects the files to mirror: any name containing it.
const DefaultMarker = "tfevents"

// maxDefaultConcurrency caps the default worker count. Transfers are I/O
// bound, so the default is a multiple of the CPU count.
const maxDefaultConcurrency = 32

// ProgressFunc is told after each completed file how many of total are done.
// Calls are serialized.
type ProgressFunc func(done, total int)

// Resolver returns the provider serving a URI.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (fsprovider.Provider, error)
}

// Fetcher makes sure a remote file exists locally.
type Fetcher interface {
	EnsureLocal(ctx context.Context, uri, dest string, p fsprovider.Provider) (string, error)
}

// Options configures a Syncer.
type Options struct {
	// Marker is the case-sensitive substring a file name must contain.
	Marker string
	// Metrics enables per-call counters and the closing summary line.
	Metrics bool
	// ProgressInterval enables periodic summary logging during a Sync.
	ProgressInterval time.Duration
}

// Syncer mirrors remote trees. It is safe for concurrent use.
type Syncer struct {
	resolver         Resolver
	fetcher          Fetcher
	marker           string
	metrics          bool
	progressInterval time.Duration

	// dirs caches directories known to exist below any destination root.
	dirs     *sharded.Set
	dirGroup singleflight.Group
}

// New creates a Syncer.
func New(resolver Resolver, fetcher Fetcher, opts Options) *Syncer {
	if opts.Marker == "" {
		opts.Marker = DefaultMarker
	}
	return &Syncer{
		resolver:         resolver,
		fetcher:          fetcher,
		marker:           opts.Marker,
		metrics:          opts.Metrics,
		progressInterval: opts.ProgressInterval,
		dirs:             sharded.NewSet(sharded.DefaultShards),
	}
}

// DefaultConcurrency is the worker count used when Sync is given <= 0.
func DefaultConcurrency() int {
	return min(runtime.NumCPU()*4, maxDefaultConcurrency)
}

// Pattern returns the glob listing every marker file below srcPath.
func Pattern(srcPath, marker string) string {
	return path.Join(fsprovider.EscapeGlob(srcPath), "**", "*"+fsprovider.EscapeGlob(marker)+"*")
}

// MirrorPath returns where remotePath, listed below srcPath, is stored under
// destRoot.
// Only whole leading segments of srcPath are stripped, so ".hidden" below "."
// stays ".hidden".
func MirrorPath(srcPath, remotePath, destRoot string) string {
	rel := strings.TrimPrefix(remotePath, "./")
	switch prefix := strings.TrimSuffix(srcPath, "/"); {
	case srcPath == "." || srcPath == "":
	case prefix == "":
		// Filesystem root.
		rel = strings.TrimPrefix(rel, "/")
	case rel == prefix:
		rel = ""
	case strings.HasPrefix(rel, prefix+"/"):
		rel = rel[len(prefix)+1:]
	}
	return filepath.Join(destRoot, filepath.FromSlash(strings.Trim(rel, "/")))
}

// Sync mirrors every marker file below sourceURI into destRoot and returns the
// local paths in listing order. The first failing file cancels the remaining
// work and its error is returned; files completed before that stay on disk.
func (s *Syncer) Sync(ctx context.Context, sourceURI, destRoot string, concurrency int, progress ProgressFunc) ([]string, error) {
	provider, err := s.resolver.Resolve(ctx, sourceURI)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", sourceURI, err)
	}

	protocol, srcPath := fsprovider.SplitURI(sourceURI)
	hasScheme := strings.Contains(sourceURI, "://")
	if protocol == fsprovider.DefaultProtocol || protocol == "local" {
		srcPath = filepath.ToSlash(srcPath)
	}
	srcPath = path.Clean(srcPath)

	var metrics Metrics = &NoopMetrics{}
	if s.metrics {
		metrics = &SyncMetrics{source: sourceURI}
	}
	metrics.StartProgress("Sync progress", s.progressInterval)
	defer metrics.StopProgress()

	matches, err := provider.Glob(ctx, Pattern(srcPath, s.marker))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", sourceURI, err)
	}
	metrics.AddFilesListed(int64(len(matches)))

	results := make([]string, len(matches))
	if len(matches) == 0 {
		plog.Debug("No event files found", "source", sourceURI)
		return results, nil
	}

	if concurrency <= 0 {
		concurrency = DefaultConcurrency()
	}
	concurrency = min(concurrency, len(matches))

	var (
		progressMu sync.Mutex
		done       int
	)
	p := pool.New().
		WithMaxGoroutines(concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()

	for i, match := range matches {
		p.Go(func(ctx context.Context) error {
			dest := MirrorPath(srcPath, match, destRoot)
			if err := s.ensureDir(filepath.Dir(dest), metrics); err != nil {
				metrics.AddFilesFailed(1)
				return err
			}

			remoteURI := match
			if hasScheme {
				remoteURI = fsprovider.JoinURI(protocol, match)
			}
			local, err := s.fetcher.EnsureLocal(ctx, remoteURI, dest, provider)
			if err != nil {
				metrics.AddFilesFailed(1)
				return err
			}
			results[i] = local
			metrics.AddFilesSynced(1)

			if progress != nil {
				progressMu.Lock()
				done++
				progress(done, len(matches))
				progressMu.Unlock()
			}
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		metrics.LogSummary("SUM")
		return nil, err
	}
	metrics.LogSummary("SUM")
	return results, nil
}

// ensureDir creates dir once per Syncer. A non-directory in its place is
// replaced, since a remote tree may turn a file into a directory between
// passes.
func (s *Syncer) ensureDir(dir string, metrics Metrics) error {
	if s.dirs.Has(dir) {
		return nil
	}
	_, err, _ := s.dirGroup.Do(dir, func() (any, error) {
		if s.dirs.Has(dir) {
			return nil, nil
		}
		info, err := os.Lstat(dir)
		switch {
		case err == nil && info.IsDir():
		case err == nil:
			plog.Warn("Destination path exists but is not a directory, removing", "path", dir, "type", info.Mode().String())
			if err := os.RemoveAll(dir); err != nil {
				return nil, fmt.Errorf("remove conflicting %s: %w", dir, err)
			}
			fallthrough
		case os.IsNotExist(err):
			if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", dir, err)
			}
			metrics.AddDirsCreated(1)
			plog.Debug("DIR", "path", dir)
		default:
			return nil, fmt.Errorf("stat %s: %w", dir, err)
		}
		s.dirs.Store(dir)
		return nil, nil
	})
	return err
}
