package downloadcache

import (
	"sync/atomic"

	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/util"
)

// Metrics collects download cache statistics.
type Metrics interface {
	AddHits(n int64)
	AddMisses(n int64)
	AddBytesDownloaded(n int64)
	AddRetries(n int64)
}

// CacheMetrics holds atomic counters for the download cache.
type CacheMetrics struct {
	Hits            atomic.Int64
	Misses          atomic.Int64
	BytesDownloaded atomic.Int64
	Retries         atomic.Int64
}

func (m *CacheMetrics) AddHits(n int64)            { m.Hits.Add(n) }
func (m *CacheMetrics) AddMisses(n int64)          { m.Misses.Add(n) }
func (m *CacheMetrics) AddBytesDownloaded(n int64) { m.BytesDownloaded.Add(n) }
func (m *CacheMetrics) AddRetries(n int64)         { m.Retries.Add(n) }

// LogSummary logs the counters accumulated so far.
func (m *CacheMetrics) LogSummary(msg string) {
	plog.Info(msg,
		"hits", m.Hits.Load(),
		"misses", m.Misses.Load(),
		"downloaded", util.ByteCountIEC(m.BytesDownloaded.Load()),
		"retries", m.Retries.Load(),
	)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (m *NoopMetrics) AddHits(n int64)            {}
func (m *NoopMetrics) AddMisses(n int64)          {}
func (m *NoopMetrics) AddBytesDownloaded(n int64) {}
func (m *NoopMetrics) AddRetries(n int64)         {}

var _ Metrics = (*CacheMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
