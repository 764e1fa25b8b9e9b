package treesync

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
)

// Metrics collects statistics for one Sync call.
type Metrics interface {
	AddFilesListed(n int64)
	AddFilesSynced(n int64)
	AddFilesFailed(n int64)
	AddDirsCreated(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// SyncMetrics holds the atomic counters of one Sync call.
type SyncMetrics struct {
	FilesListed atomic.Int64
	FilesSynced atomic.Int64
	FilesFailed atomic.Int64
	DirsCreated atomic.Int64

	source    string
	stopChan  chan struct{}
	doneChan  chan struct{}
	startTime time.Time
}

func (m *SyncMetrics) AddFilesListed(n int64) { m.FilesListed.Add(n) }
func (m *SyncMetrics) AddFilesSynced(n int64) { m.FilesSynced.Add(n) }
func (m *SyncMetrics) AddFilesFailed(n int64) { m.FilesFailed.Add(n) }
func (m *SyncMetrics) AddDirsCreated(n int64) { m.DirsCreated.Add(n) }

func (m *SyncMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stopChan, m.doneChan = stop, done
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

// StopProgress stops the ticker and waits for it, so no progress line is
// logged after it returns.
func (m *SyncMetrics) StopProgress() {
	if m.stopChan == nil {
		return
	}
	close(m.stopChan)
	<-m.doneChan
	m.stopChan, m.doneChan = nil, nil
}

// LogSummary logs the counters with msg. Called by the progress ticker and
// once at the end of a Sync.
func (m *SyncMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}
	plog.Info(msg,
		"source", m.source,
		"files_listed", m.FilesListed.Load(),
		"files_synced", m.FilesSynced.Load(),
		"files_failed", m.FilesFailed.Load(),
		"dirs_created", m.DirsCreated.Load(),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesListed(n int64)                           {}
func (m *NoopMetrics) AddFilesSynced(n int64)                           {}
func (m *NoopMetrics) AddFilesFailed(n int64)                           {}
func (m *NoopMetrics) AddDirsCreated(n int64)                           {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*SyncMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
