package fsprovider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/pool"
)

// LocalProvider serves the local filesystem ("file://", "local://" or a bare path).
type LocalProvider struct {
	bufs *pool.FixedBufferPool
}

func NewLocalProvider(bufs *pool.FixedBufferPool) *LocalProvider {
	return &LocalProvider{bufs: bufs}
}

func (p *LocalProvider) Protocol() string { return DefaultProtocol }

func (p *LocalProvider) Glob(ctx context.Context, pattern string) ([]string, error) {
	base, err := globBase(pattern)
	if err != nil {
		return nil, err
	}

	root := filepath.FromSlash(base)
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}

	// WalkDir does not descend into a symlinked root, so walk its target and
	// report paths under the name the caller used.
	walkRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}

	var matches []string
	err = filepath.WalkDir(walkRoot, func(walked string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				plog.Warn("Skipping unreadable path", "path", walked, "error", err)
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		switch {
		case d.Type().IsRegular():
		case d.Type()&fs.ModeSymlink != 0:
			// Linked files count, linked directories are not followed.
			info, statErr := os.Stat(walked)
			if statErr != nil || !info.Mode().IsRegular() {
				return nil
			}
		default:
			return nil
		}
		rel, err := filepath.Rel(walkRoot, walked)
		if err != nil {
			return err
		}
		slashed := filepath.ToSlash(filepath.Join(root, rel))
		if matchGlob(pattern, slashed) {
			matches = append(matches, slashed)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Strings(matches)
	return matches, nil
}

func (p *LocalProvider) Size(ctx context.Context, path string) (int64, error) {
	info, err := os.Stat(filepath.FromSlash(path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	return info.Size(), nil
}

func (p *LocalProvider) Download(ctx context.Context, remotePath, localPath string) error {
	in, err := os.Open(filepath.FromSlash(remotePath))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return fmt.Errorf("failed to open source file %s: %w", remotePath, err)
	}
	defer in.Close()

	_, err = writeFileAtomic(ctx, localPath, in, p.bufs)
	return err
}

var _ Provider = (*LocalProvider)(nil)
