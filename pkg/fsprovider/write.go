package fsprovider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-tbviewer/pkg/pool"
	"github.com/paulschiretz/pgl-tbviewer/pkg/util"
)

// tempPattern never contains an event-log marker, so a viewer scanning the
// cache root ignores in-flight downloads.
const tempPattern = ".pgl-tbviewer-*.tmp"

// ctxReader aborts a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// writeFileAtomic streams r into a temporary file next to localPath and renames
// it into place. Concurrent writers of the same path each use their own
// temporary file; the last rename wins.
func writeFileAtomic(ctx context.Context, localPath string, r io.Reader, bufs *pool.FixedBufferPool) (int64, error) {
	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	out, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}
	tempPath := out.Name()
	closed := false
	defer func() {
		if !closed {
			out.Close()
		}
		if tempPath != "" {
			os.Remove(tempPath)
		}
	}()

	bufPtr := bufs.Get()
	defer bufs.Put(bufPtr)

	// Hide ReaderFrom so the pooled buffer is used.
	n, err := io.CopyBuffer(struct{ io.Writer }{out}, ctxReader{ctx: ctx, r: r}, *bufPtr)
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", tempPath, err)
	}

	// CreateTemp uses 0600.
	if err := out.Chmod(util.UserWritableFilePerms); err != nil {
		return n, fmt.Errorf("failed to set permissions on %s: %w", tempPath, err)
	}

	closed = true
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("failed to close temporary file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		return n, fmt.Errorf("failed to move %s into place: %w", localPath, err)
	}
	tempPath = ""
	return n, nil
}
