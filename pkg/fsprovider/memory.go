package fsprovider

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-tbviewer/pkg/pool"
	"github.com/paulschiretz/pgl-tbviewer/pkg/sharded"
)

// MemoryProvider is an in-process tree ("memory://"). Besides serving as a
// backend it counts calls and can inject latency and failures per path.
type MemoryProvider struct {
	bufs    *pool.FixedBufferPool
	files   *sharded.Map[[]byte]
	faults  *sharded.Map[error]
	latency *sharded.Map[time.Duration]

	sizeCalls     atomic.Int64
	downloadCalls atomic.Int64
}

func NewMemoryProvider(bufs *pool.FixedBufferPool) *MemoryProvider {
	return &MemoryProvider{
		bufs:    bufs,
		files:   sharded.NewMap[[]byte](sharded.DefaultShards),
		faults:  sharded.NewMap[error](sharded.DefaultShards),
		latency: sharded.NewMap[time.Duration](sharded.DefaultShards),
	}
}

func (p *MemoryProvider) Protocol() string { return "memory" }

// Put stores a copy of data at name, replacing any previous content.
func (p *MemoryProvider) Put(name string, data []byte) {
	p.files.Store(path.Clean(name), bytes.Clone(data))
}

func (p *MemoryProvider) Remove(name string) {
	p.files.Delete(path.Clean(name))
}

// FailDownloads makes every Download of name return err. A nil err clears it.
func (p *MemoryProvider) FailDownloads(name string, err error) {
	if err == nil {
		p.faults.Delete(path.Clean(name))
		return
	}
	p.faults.Store(path.Clean(name), err)
}

// SetLatency delays every Download of name by d.
func (p *MemoryProvider) SetLatency(name string, d time.Duration) {
	p.latency.Store(path.Clean(name), d)
}

func (p *MemoryProvider) SizeCalls() int64     { return p.sizeCalls.Load() }
func (p *MemoryProvider) DownloadCalls() int64 { return p.downloadCalls.Load() }

func (p *MemoryProvider) Glob(ctx context.Context, pattern string) ([]string, error) {
	if _, err := globBase(pattern); err != nil {
		return nil, err
	}
	var matches []string
	for _, name := range p.files.Keys() {
		if matchGlob(pattern, name) {
			matches = append(matches, name)
		}
	}
	return matches, nil
}

func (p *MemoryProvider) Size(ctx context.Context, name string) (int64, error) {
	p.sizeCalls.Add(1)
	data, ok := p.files.Load(path.Clean(name))
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return int64(len(data)), nil
}

func (p *MemoryProvider) Download(ctx context.Context, remotePath, localPath string) error {
	p.downloadCalls.Add(1)
	key := path.Clean(remotePath)

	if d, ok := p.latency.Load(key); ok && d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err, ok := p.faults.Load(key); ok {
		return err
	}

	data, ok := p.files.Load(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	_, err := writeFileAtomic(ctx, localPath, bytes.NewReader(data), p.bufs)
	return err
}

var _ Provider = (*MemoryProvider)(nil)
