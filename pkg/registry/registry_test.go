package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-tbviewer/pkg/fsprovider"
	"github.com/paulschiretz/pgl-tbviewer/pkg/pool"
)

// closingProvider records Close calls.
type closingProvider struct {
	*fsprovider.MemoryProvider
	protocol string
	closed   atomic.Bool
}

func (p *closingProvider) Protocol() string { return p.protocol }
func (p *closingProvider) Close() error {
	p.closed.Store(true)
	return nil
}

type countingFactory struct {
	calls     atomic.Int64
	delay     time.Duration
	err       error
	mu        sync.Mutex
	providers []*closingProvider
}

func (f *countingFactory) build(ctx context.Context, protocol string) (fsprovider.Provider, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	p := &closingProvider{
		MemoryProvider: fsprovider.NewMemoryProvider(pool.NewFixedBufferPool(1024)),
		protocol:       protocol,
	}
	f.mu.Lock()
	f.providers = append(f.providers, p)
	f.mu.Unlock()
	return p, nil
}

func TestResolve_CachesPerProtocol(t *testing.T) {
	f := &countingFactory{}
	r := New(0)
	r.Register("memory", f.build)
	r.Register("file", f.build)
	ctx := context.Background()

	a, err := r.Resolve(ctx, "memory://bucket/a")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	b, err := r.Resolve(ctx, "MEMORY://bucket/b")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if a != b {
		t.Error("expected the same provider instance for the same protocol")
	}

	local, err := r.Resolve(ctx, "/plain/local/path")
	if err != nil {
		t.Fatalf("Resolve of a scheme-less path failed: %v", err)
	}
	if local.Protocol() != "file" {
		t.Errorf("expected scheme-less URIs to resolve to file, got %s", local.Protocol())
	}

	if got := f.calls.Load(); got != 2 {
		t.Errorf("expected 2 constructions, got %d", got)
	}
}

func TestResolve_UnknownProtocol(t *testing.T) {
	f := &countingFactory{}
	r := New(0)
	r.Register("s3a", f.build)
	r.Register("oci", f.build)
	_, err := r.Resolve(context.Background(), "gopher://host/x")
	if !errors.Is(err, ErrUnknownProtocol) {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
	if !strings.Contains(err.Error(), "s3a") || !strings.Contains(err.Error(), "oci") {
		t.Errorf("expected the error to list supported protocols, got %v", err)
	}
	if r.Len() != 0 {
		t.Error("failed resolution must not be cached")
	}
}

func TestResolve_FactoryErrorNotCached(t *testing.T) {
	boom := errors.New("no credentials")
	f := &countingFactory{err: boom}
	r := New(0)
	r.Register("s3", f.build)

	for range 2 {
		if _, err := r.Resolve(context.Background(), "s3://bucket/key"); !errors.Is(err, boom) {
			t.Fatalf("expected factory error to propagate, got %v", err)
		}
	}
	if got := f.calls.Load(); got != 2 {
		t.Errorf("expected construction to be retried after a failure, got %d calls", got)
	}
}

func TestResolve_ConcurrentFirstUseConstructsOnce(t *testing.T) {
	f := &countingFactory{delay: 50 * time.Millisecond}
	r := New(0)
	r.Register("memory", f.build)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), "memory://x"); err != nil {
				t.Errorf("Resolve failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Errorf("expected a single construction, got %d", got)
	}
}

func TestResolve_ConstructionIgnoresCallerCancellation(t *testing.T) {
	r := New(0)
	r.Register("memory", func(ctx context.Context, protocol string) (fsprovider.Provider, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fsprovider.NewMemoryProvider(pool.NewFixedBufferPool(1024)), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Resolve(ctx, "memory://x"); err != nil {
		t.Fatalf("a shared construction must not inherit the caller's cancellation, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected the provider to be cached, got %d", r.Len())
	}
}

func TestResolve_EvictionClosesProvider(t *testing.T) {
	f := &countingFactory{}
	r := New(2)
	for _, p := range []string{"a", "b", "c"} {
		r.Register(p, f.build)
	}
	ctx := context.Background()

	for _, uri := range []string{"a://x", "b://x", "a://y", "c://x"} {
		if _, err := r.Resolve(ctx, uri); err != nil {
			t.Fatalf("Resolve(%s) failed: %v", uri, err)
		}
	}

	// "a" was used after "b", so "b" is the least recently used.
	byProtocol := map[string]*closingProvider{}
	for _, p := range f.providers {
		byProtocol[p.protocol] = p
	}
	if !byProtocol["b"].closed.Load() {
		t.Error("expected evicted provider b to be closed")
	}
	if byProtocol["a"].closed.Load() || byProtocol["c"].closed.Load() {
		t.Error("providers still cached must not be closed")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !byProtocol["a"].closed.Load() || !byProtocol["c"].closed.Load() {
		t.Error("Close must close every cached provider")
	}
}

func TestNewWithFactories(t *testing.T) {
	r := NewWithFactories(0, fsprovider.DefaultFactories(fsprovider.Options{}))
	protocols := r.Protocols()
	want := []string{"file", "local", "oci", "s3", "s3a", "tar", "zip"}
	if len(protocols) != len(want) {
		t.Fatalf("expected %v, got %v", want, protocols)
	}
	for i := range want {
		if protocols[i] != want[i] {
			t.Errorf("protocol %d: expected %s, got %s", i, want[i], protocols[i])
		}
	}
}
