// Package lockfile guards a persistent cache directory against two viewer
// processes mirroring into it at the same time.
//
// The lock is a small JSON file created with O_EXCL. The owner rewrites it on
// a heartbeat; a file whose heartbeat is older than staleAfter belongs to a
// crashed process and may be taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/util"
)

// FileName is the lock file created inside the guarded directory.
const FileName = ".~pgl-tbviewer.lock"

// Owner describes the process holding the lock.
type Owner struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	App        string    `json:"app"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce"`
}

// ErrLockActive reports a live lock owned by someone else.
type ErrLockActive struct {
	Owner Owner
	Age   time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("directory is in use by %s (pid %d on %s, heartbeat %s ago)",
		e.Owner.App, e.Owner.PID, e.Owner.Hostname, e.Age.Truncate(time.Second))
}

var (
	errLostTakeover = errors.New("another process took over the stale lock first")
	errCorrupt      = errors.New("lock file is empty or malformed")
)

// Overridden in tests.
var (
	heartbeatEvery = 30 * time.Second
	staleAfter     = 3 * heartbeatEvery
)

// Lock is a held directory lock.
type Lock struct {
	path  string
	owner Owner

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire locks dir for app. A live lock held by another process yields a
// *ErrLockActive.
func Acquire(ctx context.Context, dir, app string) (*Lock, error) {
	lockPath := filepath.Join(dir, FileName)

	const attempts = 3
	for range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		owner, err := newOwner(app)
		if err != nil {
			return nil, err
		}

		err = createExclusive(lockPath, owner)
		if err == nil {
			return start(lockPath, owner), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		current, err := readOwner(lockPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Released between our create and read.
			continue
		case errors.Is(err, errCorrupt):
			plog.Warn("Replacing malformed lock file", "path", lockPath, "error", err)
		case err != nil:
			return nil, err
		default:
			age := time.Since(current.LastUpdate)
			if age < staleAfter {
				return nil, &ErrLockActive{Owner: current, Age: age}
			}
			plog.Warn("Taking over stale lock", "path", lockPath, "pid", current.PID, "age", age.Truncate(time.Second))
		}

		if err := takeover(lockPath, owner); err != nil {
			if errors.Is(err, errLostTakeover) {
				plog.Debug("Lost stale lock takeover, retrying", "path", lockPath)
				continue
			}
			return nil, err
		}
		return start(lockPath, owner), nil
	}
	return nil, fmt.Errorf("could not acquire %s after %d attempts", lockPath, attempts)
}

// Check reports a live lock in dir as *ErrLockActive without acquiring it.
// A missing, stale or malformed lock yields nil.
func Check(dir string) error {
	current, err := readOwner(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, errCorrupt) {
			return nil
		}
		return fmt.Errorf("read lock file: %w", err)
	}
	if age := time.Since(current.LastUpdate); age < staleAfter {
		return &ErrLockActive{Owner: current, Age: age}
	}
	return nil
}

// Release stops the heartbeat and removes the lock file. Safe to call more
// than once.
func (l *Lock) Release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
			return
		}
		plog.Debug("Released lock", "path", l.path)
	})
}

func start(lockPath string, owner Owner) *Lock {
	l := &Lock{
		path:  lockPath,
		owner: owner,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.beat()
	return l
}

func (l *Lock) beat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.owner.LastUpdate = time.Now().UTC()
			if err := replace(l.path, l.owner); err != nil {
				plog.Warn("Lock heartbeat failed", "path", l.path, "error", err)
			}
		}
	}
}

func newOwner(app string) (Owner, error) {
	host, err := os.Hostname()
	if err != nil {
		return Owner{}, fmt.Errorf("hostname: %w", err)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Owner{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Owner{
		PID:        os.Getpid(),
		Hostname:   host,
		App:        app,
		LastUpdate: time.Now().UTC(),
		Nonce:      hex.EncodeToString(nonce),
	}, nil
}

func createExclusive(lockPath string, owner Owner) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	data, err := json.Marshal(owner)
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(lockPath)
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// takeover replaces a stale lock and reads it back. The nonce tells us whether
// a concurrent takeover overwrote ours.
func takeover(lockPath string, owner Owner) error {
	if err := replace(lockPath, owner); err != nil {
		return err
	}
	got, err := readOwner(lockPath)
	if err != nil {
		return fmt.Errorf("verify takeover: %w", err)
	}
	if got.Nonce != owner.Nonce {
		return errLostTakeover
	}
	return nil
}

// replace writes owner to a temp file next to lockPath and renames it into
// place, so readers never see a partial file.
func replace(lockPath string, owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(lockPath), FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp lock: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp lock: %w", err)
	}
	if err := os.Rename(tmpName, lockPath); err != nil {
		return fmt.Errorf("rename temp lock: %w", err)
	}
	return nil
}

func readOwner(lockPath string) (Owner, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Owner{}, err
	}
	var owner Owner
	if len(data) == 0 {
		return Owner{}, errCorrupt
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return Owner{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return owner, nil
}
