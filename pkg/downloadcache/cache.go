// Package downloadcache makes sure a remote file exists at a local path while
// transferring it only when it is new or its size changed.
//
// The memo lives for the process lifetime. A file that changes content but not
// size is not detected; event logs only ever grow, so size is a sufficient
// change signal for them.
package downloadcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/paulschiretz/pgl-tbviewer/pkg/fsprovider"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/util"
)

// DefaultCapacity is the default number of remembered downloads.
const DefaultCapacity = 2048

// Record identifies one completed download. A later call with the same URI,
// destination and remote size is served without a transfer.
type Record struct {
	URI  string
	Dest string
	Size int64
}

// Options configures a Cache.
type Options struct {
	// Capacity bounds the memo. <= 0 selects DefaultCapacity.
	Capacity int
	// Retries is the number of extra attempts after a failed size lookup or
	// transfer. Missing files and canceled contexts are never retried.
	Retries   int
	RetryWait time.Duration
	Metrics   Metrics
}

// Cache is a memoizing front for Provider.Download. It is safe for
// concurrent use. Concurrent calls for the same file are not merged.
type Cache struct {
	memo      *lru.Cache[Record, struct{}]
	retries   int
	retryWait time.Duration
	metrics   Metrics

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Cache.
func New(opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Metrics == nil {
		opts.Metrics = &NoopMetrics{}
	}
	memo, err := lru.New[Record, struct{}](opts.Capacity)
	if err != nil {
		panic(err)
	}
	return &Cache{
		memo:      memo,
		retries:   max(opts.Retries, 0),
		retryWait: opts.RetryWait,
		metrics:   opts.Metrics,
		sleep:     sleepContext,
	}
}

// EnsureLocal makes sure the file at uri has been downloaded to dest and
// returns dest. The remote size is looked up on every call; the transfer is
// skipped if the same (uri, dest, size) was downloaded before. Nothing is
// remembered for a failed call.
func (c *Cache) EnsureLocal(ctx context.Context, uri, dest string, p fsprovider.Provider) (string, error) {
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.metrics.AddRetries(1)
			plog.Warn("Retrying download", "uri", uri, "attempt", attempt+1, "error", err)
			if serr := c.sleep(ctx, c.retryWait); serr != nil {
				return "", serr
			}
		}
		err = c.ensure(ctx, uri, dest, p)
		if err == nil {
			return dest, nil
		}
		if errors.Is(err, fsprovider.ErrNotFound) || ctx.Err() != nil {
			break
		}
	}
	return "", err
}

func (c *Cache) ensure(ctx context.Context, uri, dest string, p fsprovider.Provider) error {
	_, remotePath := fsprovider.SplitURI(uri)

	size, err := p.Size(ctx, remotePath)
	if err != nil {
		return fmt.Errorf("size of %s: %w", uri, err)
	}

	rec := Record{URI: uri, Dest: dest, Size: size}
	if _, ok := c.memo.Get(rec); ok {
		c.metrics.AddHits(1)
		plog.Debug("HIT", "uri", uri, "size", size)
		return nil
	}

	c.metrics.AddMisses(1)
	plog.Notice("GET", "uri", uri, "to", dest, "size", util.ByteCountIEC(size))
	if err := p.Download(ctx, remotePath, dest); err != nil {
		return fmt.Errorf("download %s: %w", uri, err)
	}
	c.metrics.AddBytesDownloaded(size)
	c.memo.Add(rec, struct{}{})
	return nil
}

// Contains reports whether rec is remembered.
func (c *Cache) Contains(rec Record) bool {
	return c.memo.Contains(rec)
}

// Len returns the number of remembered downloads.
func (c *Cache) Len() int {
	return c.memo.Len()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
