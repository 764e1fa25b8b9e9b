package fsprovider

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimitedProvider throttles every call of the wrapped provider. Object
// stores bill and throttle per request, and a pass issues one size lookup per
// mirrored file.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// RateLimited wraps p so that calls share limiter. A nil limiter returns p.
func RateLimited(p Provider, limiter *rate.Limiter) Provider {
	if limiter == nil {
		return p
	}
	return &RateLimitedProvider{inner: p, limiter: limiter}
}

func (p *RateLimitedProvider) Protocol() string { return p.inner.Protocol() }

func (p *RateLimitedProvider) Glob(ctx context.Context, pattern string) ([]string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Glob(ctx, pattern)
}

func (p *RateLimitedProvider) Size(ctx context.Context, path string) (int64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return p.inner.Size(ctx, path)
}

func (p *RateLimitedProvider) Download(ctx context.Context, remotePath, localPath string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.inner.Download(ctx, remotePath, localPath)
}

// Close closes the wrapped provider if it holds resources.
func (p *RateLimitedProvider) Close() error {
	if c, ok := p.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var _ Provider = (*RateLimitedProvider)(nil)
