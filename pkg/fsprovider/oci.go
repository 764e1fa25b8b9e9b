package fsprovider

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-tbviewer/pkg/pool"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// OCIOptions configures registry access.
type OCIOptions struct {
	// Insecure allows plain HTTP registries.
	Insecure bool
	// Retries is the number of attempts for registry calls.
	Retries int
	// IndexWorkers bounds how many layers are scanned in parallel.
	IndexWorkers int
}

type ociEntry struct {
	size  int64
	layer v1.Hash
}

type ociIndex struct {
	digest  v1.Hash
	image   v1.Image
	entries map[string]ociEntry
}

// OCIProvider serves files stored in the layers of an OCI image
// ("oci://registry/repo:tag!/path"). The image filesystem is the union of its
// layers with whiteouts applied.
type OCIProvider struct {
	opts  OCIOptions
	bufs  *pool.FixedBufferPool
	fetch func(ctx context.Context, ref name.Reference) (v1.Image, error)

	mu      sync.Mutex
	indexes map[string]*ociIndex
}

func NewOCIProvider(opts OCIOptions, bufs *pool.FixedBufferPool) *OCIProvider {
	if opts.Retries < 1 {
		opts.Retries = 3
	}
	if opts.IndexWorkers < 1 {
		opts.IndexWorkers = 4
	}
	return &OCIProvider{
		opts: opts,
		bufs: bufs,
		fetch: func(ctx context.Context, ref name.Reference) (v1.Image, error) {
			return remote.Image(ref,
				remote.WithContext(ctx),
				remote.WithAuthFromKeychain(authn.DefaultKeychain),
			)
		},
		indexes: make(map[string]*ociIndex),
	}
}

func (p *OCIProvider) Protocol() string { return "oci" }

func (p *OCIProvider) Close() error {
	p.mu.Lock()
	p.indexes = make(map[string]*ociIndex)
	p.mu.Unlock()
	return nil
}

// splitImagePath separates the image reference from the path inside the image.
// Without an explicit "!/" the reference ends at the first segment after the
// registry host that carries a tag or digest.
func splitImagePath(p string) (ref, inner, sep string, err error) {
	if r, i, ok := strings.Cut(p, innerSeparator); ok {
		return r, i, innerSeparator, nil
	}
	segments := strings.Split(p, "/")
	for n := 1; n < len(segments); n++ {
		if strings.ContainsAny(segments[n], ":@") {
			return strings.Join(segments[:n+1], "/"), strings.Join(segments[n+1:], "/"), "/", nil
		}
	}
	return "", "", "", fmt.Errorf("no image reference with tag or digest found in %q", p)
}

func (p *OCIProvider) parseReference(ref string) (name.Reference, error) {
	var opts []name.Option
	if p.opts.Insecure {
		opts = append(opts, name.Insecure)
	}
	r, err := name.ParseReference(ref, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return r, nil
}

// refresh fetches the image manifest and rebuilds the index if the image
// digest moved since the last call.
func (p *OCIProvider) refresh(ctx context.Context, ref string) (*ociIndex, error) {
	r, err := p.parseReference(ref)
	if err != nil {
		return nil, err
	}
	img, err := retry(ctx, "fetch image", p.opts.Retries, func() (v1.Image, error) {
		return p.fetch(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", ref, err)
	}
	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("image digest %s: %w", ref, err)
	}

	p.mu.Lock()
	cached, ok := p.indexes[ref]
	p.mu.Unlock()
	if ok && cached.digest == digest {
		return cached, nil
	}

	entries, err := p.buildIndex(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("index image %s: %w", ref, err)
	}
	idx := &ociIndex{digest: digest, image: img, entries: entries}

	p.mu.Lock()
	p.indexes[ref] = idx
	p.mu.Unlock()
	return idx, nil
}

// cachedIndex returns the index built by the last Glob, fetching it if needed.
func (p *OCIProvider) cachedIndex(ctx context.Context, ref string) (*ociIndex, error) {
	p.mu.Lock()
	idx, ok := p.indexes[ref]
	p.mu.Unlock()
	if ok {
		return idx, nil
	}
	return p.refresh(ctx, ref)
}

type layerListing struct {
	files     map[string]int64
	whiteouts []string
	opaque    []string
}

func (p *OCIProvider) buildIndex(ctx context.Context, img v1.Image) (map[string]ociEntry, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	listings := make([]layerListing, len(layers))
	digests := make([]v1.Hash, len(layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.IndexWorkers)
	for i, layer := range layers {
		g.Go(func() error {
			d, err := layer.Digest()
			if err != nil {
				return fmt.Errorf("layer digest: %w", err)
			}
			digests[i] = d
			listing, err := listLayer(gctx, layer)
			if err != nil {
				return fmt.Errorf("layer %s: %w", d, err)
			}
			listings[i] = listing
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make(map[string]ociEntry)
	for i, listing := range listings {
		for _, dir := range listing.opaque {
			removeTree(entries, dir)
		}
		for _, target := range listing.whiteouts {
			removeTree(entries, target)
		}
		for name, size := range listing.files {
			entries[name] = ociEntry{size: size, layer: digests[i]}
		}
	}
	return entries, nil
}

func removeTree(entries map[string]ociEntry, root string) {
	prefix := root + "/"
	if root == "" {
		prefix = ""
	}
	for name := range entries {
		if name == root || strings.HasPrefix(name, prefix) {
			delete(entries, name)
		}
	}
}

func listLayer(ctx context.Context, layer v1.Layer) (layerListing, error) {
	listing := layerListing{files: make(map[string]int64)}
	err := scanLayer(ctx, layer, func(header *tar.Header, _ io.Reader) (bool, error) {
		name := cleanEntryName(header.Name)
		if name == "" {
			return true, nil
		}
		dir, base := path.Split(name)
		dir = strings.TrimSuffix(dir, "/")
		switch {
		case base == whiteoutOpaque:
			listing.opaque = append(listing.opaque, dir)
		case strings.HasPrefix(base, whiteoutPrefix):
			listing.whiteouts = append(listing.whiteouts, path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix)))
		case header.Typeflag == tar.TypeReg:
			listing.files[name] = header.Size
		}
		return true, nil
	})
	return listing, err
}

// scanLayer calls fn for every tar entry of the uncompressed layer until fn
// returns false.
func scanLayer(ctx context.Context, layer v1.Layer, fn func(*tar.Header, io.Reader) (bool, error)) error {
	rc, err := layer.Uncompressed()
	if err != nil {
		return fmt.Errorf("read layer: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(ctxReader{ctx: ctx, r: rc})
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read layer tar: %w", err)
		}
		more, err := fn(header, tr)
		if err != nil || !more {
			return err
		}
	}
}

func (p *OCIProvider) Glob(ctx context.Context, pattern string) ([]string, error) {
	ref, innerPattern, sep, err := splitImagePath(pattern)
	if err != nil {
		return nil, err
	}
	if _, err := globBase(innerPattern); err != nil {
		return nil, err
	}
	idx, err := p.refresh(ctx, unescapeGlob(ref))
	if err != nil {
		return nil, err
	}

	var matches []string
	for name := range idx.entries {
		if matchGlob(innerPattern, name) {
			matches = append(matches, unescapeGlob(ref)+sep+name)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (p *OCIProvider) lookup(ctx context.Context, remotePath string) (*ociIndex, string, ociEntry, error) {
	ref, inner, _, err := splitImagePath(remotePath)
	if err != nil {
		return nil, "", ociEntry{}, err
	}
	idx, err := p.cachedIndex(ctx, ref)
	if err != nil {
		return nil, "", ociEntry{}, err
	}
	name := cleanEntryName(inner)
	entry, ok := idx.entries[name]
	if !ok {
		return nil, "", ociEntry{}, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	return idx, name, entry, nil
}

func (p *OCIProvider) Size(ctx context.Context, remotePath string) (int64, error) {
	_, _, entry, err := p.lookup(ctx, remotePath)
	if err != nil {
		return 0, err
	}
	return entry.size, nil
}

func (p *OCIProvider) Download(ctx context.Context, remotePath, localPath string) error {
	idx, want, entry, err := p.lookup(ctx, remotePath)
	if err != nil {
		return err
	}
	layer, err := idx.image.LayerByDigest(entry.layer)
	if err != nil {
		return fmt.Errorf("layer %s: %w", entry.layer, err)
	}

	found := false
	err = scanLayer(ctx, layer, func(header *tar.Header, r io.Reader) (bool, error) {
		if header.Typeflag != tar.TypeReg || cleanEntryName(header.Name) != want {
			return true, nil
		}
		found = true
		_, err := writeFileAtomic(ctx, localPath, r, p.bufs)
		return false, err
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	return nil
}

var _ Provider = (*OCIProvider)(nil)
