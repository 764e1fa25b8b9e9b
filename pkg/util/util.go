package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// UserWritableDirPerms is used for every directory created in the cache root (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms is used for every mirrored file (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// ExpandPath expands a leading tilde to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// WithTrailingSeparator returns dir with exactly one trailing path separator.
func WithTrailingSeparator(dir string) string {
	trimmed := strings.TrimRight(dir, `/\`)
	if trimmed == "" && dir != "" {
		// the filesystem root itself
		return string(filepath.Separator)
	}
	return trimmed + string(filepath.Separator)
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// ByteCountIEC renders b as a human readable size using binary prefixes.
func ByteCountIEC(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
