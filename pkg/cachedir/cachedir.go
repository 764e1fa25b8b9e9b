// Package cachedir provides the local directory that remote trees are
// mirrored into: either a throwaway temp directory or a user-designated
// persistent one.
package cachedir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/paulschiretz/pgl-tbviewer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tbviewer/pkg/lockfile"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/util"
)

// TempPattern names ephemeral cache directories.
const TempPattern = "pgl-tbviewer-*"

// ConfirmFunc asks the user a yes/no question.
type ConfirmFunc func(prompt string) bool

// ErrUnsafePath is returned for persistent paths that must never be cleared,
// such as a filesystem root or the home directory.
var ErrUnsafePath = errors.New("refusing to use path as cache directory")

// Dir is an acquired cache directory.
type Dir struct {
	path       string
	persistent bool
	lock       *lockfile.Lock
	once       sync.Once
}

// Path returns the absolute directory path.
func (d *Dir) Path() string { return d.path }

// Persistent reports whether the directory survives Release.
func (d *Dir) Persistent() bool { return d.persistent }

// Release removes an ephemeral directory and unlocks a persistent one. Only
// the first call has an effect.
func (d *Dir) Release() error {
	var err error
	d.once.Do(func() {
		if d.lock != nil {
			d.lock.Release()
		}
		if d.persistent {
			return
		}
		if err = os.RemoveAll(d.path); err != nil {
			err = fmt.Errorf("remove cache directory %s: %w", d.path, err)
			return
		}
		plog.Debug("Removed cache directory", "path", d.path)
	})
	return err
}

// Acquire prepares the cache directory.
//
// An empty localPath creates a fresh temp directory. Otherwise the path is
// expanded and made absolute; if it already exists, confirm decides whether
// its contents are deleted first. A declined confirmation reuses the existing
// contents. Persistent directories are locked against a second process until
// Release.
func Acquire(localPath string, confirm ConfirmFunc) (*Dir, error) {
	if localPath == "" {
		return acquireTemp()
	}
	return acquirePersistent(localPath, confirm)
}

// With acquires the directory, runs fn with its path and releases it on every
// exit path, including a panic in fn.
func With(localPath string, confirm ConfirmFunc, fn func(path string) error) (err error) {
	dir, err := Acquire(localPath, confirm)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := dir.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(dir.Path())
}

func acquireTemp() (*Dir, error) {
	path, err := os.MkdirTemp("", TempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temp cache directory: %w", err)
	}
	if err := checkWritable(path); err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	plog.Debug("Created temp cache directory", "path", path)
	return &Dir{path: path}, nil
}

func acquirePersistent(localPath string, confirm ConfirmFunc) (*Dir, error) {
	expanded, err := util.ExpandPath(localPath)
	if err != nil {
		return nil, fmt.Errorf("expand cache directory %s: %w", localPath, err)
	}
	path, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory %s: %w", localPath, err)
	}
	if err := checkVolumeExists(path); err != nil {
		return nil, err
	}
	if isUnsafeRoot(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsafePath, path)
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("cache path exists but is not a directory: %s", path)
	case err == nil:
		if err := lockfile.Check(path); err != nil {
			return nil, err
		}
		if confirm != nil && confirm(fmt.Sprintf("Cache directory %s exists. Delete its contents?", path)) {
			plog.Info("Clearing cache directory", "path", path)
			if err := os.RemoveAll(path); err != nil {
				return nil, fmt.Errorf("clear cache directory %s: %w", path, err)
			}
		} else {
			plog.Info("Reusing cache directory", "path", path)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("cannot access cache directory %s: %w", path, err)
	}

	if err := os.MkdirAll(path, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", path, err)
	}
	if err := checkWritable(path); err != nil {
		return nil, err
	}

	lock, err := lockfile.Acquire(context.Background(), path, buildinfo.Name)
	if err != nil {
		return nil, err
	}
	return &Dir{path: path, persistent: true, lock: lock}, nil
}

// isUnsafeRoot reports paths whose contents must never be deleted wholesale.
func isUnsafeRoot(path string) bool {
	clean := filepath.Clean(path)
	if vol := filepath.VolumeName(clean); clean == vol+string(filepath.Separator) || clean == vol {
		return true
	}
	if home, err := os.UserHomeDir(); err == nil && clean == filepath.Clean(home) {
		return true
	}
	return false
}
