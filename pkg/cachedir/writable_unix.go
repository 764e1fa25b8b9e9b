//go:build !windows

package cachedir

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func checkWritable(path string) error {
	if err := unix.Access(path, unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("cache directory %s is not writable: %w", path, err)
	}
	return nil
}

func checkVolumeExists(path string) error { return nil }
