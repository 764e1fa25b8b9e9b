// Package registry resolves URIs to filesystem providers and keeps the
// constructed providers in a small LRU so that repeated syncs reuse clients.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-tbviewer/pkg/fsprovider"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
)

// DefaultCapacity is the number of providers kept alive at once.
const DefaultCapacity = 8

// ErrUnknownProtocol is returned when no factory is registered for a protocol.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Registry maps protocol tokens to provider factories and caches the
// providers they build.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]fsprovider.Factory

	cache *lru.Cache[string, fsprovider.Provider]
	group singleflight.Group
}

// New creates an empty registry holding at most capacity providers.
// capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.NewWithEvict(capacity, func(protocol string, p fsprovider.Provider) {
		closeProvider(protocol, p)
	})
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Registry{
		factories: make(map[string]fsprovider.Factory),
		cache:     cache,
	}
}

// NewWithFactories creates a registry with every factory of fs registered.
func NewWithFactories(capacity int, fs map[string]fsprovider.Factory) *Registry {
	r := New(capacity)
	for protocol, f := range fs {
		r.Register(protocol, f)
	}
	return r
}

// Register binds protocol to f, replacing any previous factory. A provider
// already cached for protocol stays in use until evicted.
func (r *Registry) Register(protocol string, f fsprovider.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[protocol] = f
}

// Protocols returns the registered protocol tokens, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	protocols := make([]string, 0, len(r.factories))
	for p := range r.factories {
		protocols = append(protocols, p)
	}
	sort.Strings(protocols)
	return protocols
}

// Resolve returns the provider responsible for uri, constructing it on first
// use. Construction errors are returned and never cached.
func (r *Registry) Resolve(ctx context.Context, uri string) (fsprovider.Provider, error) {
	protocol, _ := fsprovider.SplitURI(uri)
	if p, ok := r.cache.Get(protocol); ok {
		return p, nil
	}

	// Construction is shared by concurrent callers, so it must outlive the
	// first caller's cancellation.
	buildCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(protocol, func() (any, error) {
		// A concurrent caller may have finished construction while we waited.
		if p, ok := r.cache.Get(protocol); ok {
			return p, nil
		}

		r.mu.RLock()
		factory, ok := r.factories[protocol]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownProtocol, protocol, strings.Join(r.Protocols(), ", "))
		}

		p, err := factory(buildCtx, protocol)
		if err != nil {
			return nil, fmt.Errorf("construct %s provider: %w", protocol, err)
		}
		plog.Debug("Constructed provider", "protocol", protocol)
		r.cache.Add(protocol, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(fsprovider.Provider), nil
}

// Len returns the number of cached providers.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close drops every cached provider, closing those that hold resources.
func (r *Registry) Close() error {
	r.cache.Purge()
	return nil
}

func closeProvider(protocol string, p fsprovider.Provider) {
	c, ok := p.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		plog.Warn("Failed to close provider", "protocol", protocol, "error", err)
	}
}
