package fsprovider

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-tbviewer/pkg/pool"
)

// innerSeparator separates a container (archive file, image reference) from
// a path inside it: "runs.tar.gz!/exp1/events.out.tfevents.1".
const innerSeparator = "!/"

type archiveFormat int

const (
	formatUnknown archiveFormat = iota
	formatTar
	formatTarGz
	formatTarZst
	formatZip
)

func (f archiveFormat) String() string {
	switch f {
	case formatTar:
		return "tar"
	case formatTarGz:
		return "tar.gz"
	case formatTarZst:
		return "tar.zst"
	case formatZip:
		return "zip"
	default:
		return "unknown"
	}
}

func detectArchiveFormat(name string) archiveFormat {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGz
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return formatTarZst
	case strings.HasSuffix(lower, ".tar"):
		return formatTar
	case strings.HasSuffix(lower, ".zip"):
		return formatZip
	default:
		return formatUnknown
	}
}

// splitArchivePath splits p into the archive file and the path inside it. The
// archive ends either at an explicit "!/" or at the first path segment with a
// known archive extension. sep is the separator that was found, so results can
// be rendered in the caller's notation.
func splitArchivePath(p string) (archive, inner, sep string, err error) {
	if a, i, ok := strings.Cut(p, innerSeparator); ok {
		return a, i, innerSeparator, nil
	}
	segments := strings.Split(p, "/")
	for n, seg := range segments {
		if detectArchiveFormat(seg) != formatUnknown {
			return strings.Join(segments[:n+1], "/"), strings.Join(segments[n+1:], "/"), "/", nil
		}
	}
	return "", "", "", fmt.Errorf("no archive file found in path %q", p)
}

type archiveEntry struct {
	size int64
}

type archiveIndex struct {
	modTime time.Time
	size    int64
	entries map[string]archiveEntry
}

// ArchiveProvider serves files inside local tar, tar.gz, tar.zst and zip
// archives ("tar://" and "zip://").
type ArchiveProvider struct {
	protocol string
	bufs     *pool.FixedBufferPool

	mu      sync.Mutex
	indexes map[string]*archiveIndex
}

func NewArchiveProvider(protocol string, bufs *pool.FixedBufferPool) *ArchiveProvider {
	return &ArchiveProvider{
		protocol: protocol,
		bufs:     bufs,
		indexes:  make(map[string]*archiveIndex),
	}
}

func (p *ArchiveProvider) Protocol() string { return p.protocol }

// Close drops all cached archive indexes.
func (p *ArchiveProvider) Close() error {
	p.mu.Lock()
	p.indexes = make(map[string]*archiveIndex)
	p.mu.Unlock()
	return nil
}

// index returns the entry table for archive, rebuilding it when the archive
// file changed on disk.
func (p *ArchiveProvider) index(archive string) (map[string]archiveEntry, error) {
	info, err := os.Stat(filepath.FromSlash(archive))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, archive)
		}
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.indexes[archive]; ok && idx.modTime.Equal(info.ModTime()) && idx.size == info.Size() {
		return idx.entries, nil
	}

	entries := make(map[string]archiveEntry)
	err = p.walk(archive, func(name string, size int64, _ io.Reader) (bool, error) {
		entries[name] = archiveEntry{size: size}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	p.indexes[archive] = &archiveIndex{modTime: info.ModTime(), size: info.Size(), entries: entries}
	return entries, nil
}

// cleanEntryName normalizes an archive member name. It returns "" for names
// that would escape the archive root.
func cleanEntryName(name string) string {
	name = path.Clean(strings.TrimPrefix(filepath.ToSlash(name), "./"))
	if name == "." || path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return ""
	}
	return name
}

// walk calls fn for every regular file in archive until fn returns false.
func (p *ArchiveProvider) walk(archive string, fn func(name string, size int64, r io.Reader) (bool, error)) error {
	format := detectArchiveFormat(archive)
	if format == formatZip {
		return walkZip(archive, fn)
	}
	if format == formatUnknown {
		return fmt.Errorf("unsupported archive format: %s", archive)
	}

	f, err := os.Open(filepath.FromSlash(archive))
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	defer f.Close()

	var src io.Reader = f
	switch format {
	case formatTarGz:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", archive, err)
		}
		defer gz.Close()
		src = gz
	case formatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", archive, err)
		}
		defer zr.Close()
		src = zr
	}

	tr := tar.NewReader(src)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header in %s: %w", archive, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := cleanEntryName(header.Name)
		if name == "" {
			continue
		}
		more, err := fn(name, header.Size, tr)
		if err != nil || !more {
			return err
		}
	}
}

func walkZip(archive string, fn func(name string, size int64, r io.Reader) (bool, error)) error {
	zr, err := zip.OpenReader(filepath.FromSlash(archive))
	if err != nil {
		return fmt.Errorf("failed to open zip archive %s: %w", archive, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !f.Mode().IsRegular() {
			continue
		}
		name := cleanEntryName(f.Name)
		if name == "" {
			continue
		}
		more, err := func() (bool, error) {
			rc, err := f.Open()
			if err != nil {
				return false, fmt.Errorf("failed to open %s in %s: %w", f.Name, archive, err)
			}
			defer rc.Close()
			return fn(name, int64(f.UncompressedSize64), rc)
		}()
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (p *ArchiveProvider) Glob(ctx context.Context, pattern string) ([]string, error) {
	archive, innerPattern, sep, err := splitArchivePath(pattern)
	if err != nil {
		return nil, err
	}
	if _, err := globBase(innerPattern); err != nil {
		return nil, err
	}
	archive = unescapeGlob(archive)

	entries, err := p.index(archive)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var matches []string
	for name := range entries {
		if matchGlob(innerPattern, name) {
			matches = append(matches, archive+sep+name)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (p *ArchiveProvider) Size(ctx context.Context, remotePath string) (int64, error) {
	archive, inner, _, err := splitArchivePath(remotePath)
	if err != nil {
		return 0, err
	}
	entries, err := p.index(archive)
	if err != nil {
		return 0, err
	}
	entry, ok := entries[cleanEntryName(inner)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	return entry.size, nil
}

func (p *ArchiveProvider) Download(ctx context.Context, remotePath, localPath string) error {
	archive, inner, _, err := splitArchivePath(remotePath)
	if err != nil {
		return err
	}
	want := cleanEntryName(inner)

	found := false
	err = p.walk(archive, func(name string, _ int64, r io.Reader) (bool, error) {
		if name != want {
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

var _ Provider = (*ArchiveProvider)(nil)
