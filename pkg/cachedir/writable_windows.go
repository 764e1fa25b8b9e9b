//go:build windows

package cachedir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// checkWritable creates and removes a probe file; ACLs make permission bits
// meaningless on Windows.
func checkWritable(path string) error {
	f, err := os.CreateTemp(path, ".pgl-tbviewer-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("cache directory %s is not writable: %w", path, err)
	}
	f.Close()
	_ = os.Remove(f.Name())
	return nil
}

// checkVolumeExists verifies that the drive or share of path is connected.
func checkVolumeExists(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}
	root := volume
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	if _, err := os.Stat(filepath.Clean(root)); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", root)
	}
	return nil
}
