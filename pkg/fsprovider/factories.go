package fsprovider

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/paulschiretz/pgl-tbviewer/pkg/pool"
)

// Options configures the built-in provider factories.
type Options struct {
	// BufferSize is the copy buffer size in bytes; must be a power of two.
	BufferSize int64
	S3         S3Options
	OCI        OCIOptions
	// RequestsPerSecond limits calls to remote backends (s3, oci). Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// DefaultFactories returns the factories for every built-in protocol, keyed
// by protocol token. Remote backends share one rate limiter per provider.
func DefaultFactories(opts Options) map[string]Factory {
	if opts.BufferSize <= 0 {
		opts.BufferSize = pool.DefaultBufferSize
	}
	bufs := pool.NewFixedBufferPool(opts.BufferSize)

	newLimiter := func() *rate.Limiter {
		if opts.RequestsPerSecond <= 0 {
			return nil
		}
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		return rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	local := func(ctx context.Context, protocol string) (Provider, error) {
		return NewLocalProvider(bufs), nil
	}
	s3 := func(ctx context.Context, protocol string) (Provider, error) {
		p, err := NewS3Provider(ctx, opts.S3, bufs)
		if err != nil {
			return nil, err
		}
		return RateLimited(p, newLimiter()), nil
	}
	archive := func(ctx context.Context, protocol string) (Provider, error) {
		return NewArchiveProvider(protocol, bufs), nil
	}
	oci := func(ctx context.Context, protocol string) (Provider, error) {
		return RateLimited(NewOCIProvider(opts.OCI, bufs), newLimiter()), nil
	}

	return map[string]Factory{
		"file":  local,
		"local": local,
		"s3":    s3,
		"s3a":   s3,
		"tar":   archive,
		"zip":   archive,
		"oci":   oci,
	}
}
