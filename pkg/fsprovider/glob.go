package fsprovider

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// EscapeGlob quotes every glob meta character in s so it matches literally.
func EscapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// globBase validates pattern and returns its static directory prefix, the
// part that can be used to narrow a listing before matching.
func globBase(pattern string) (string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return "", fmt.Errorf("invalid glob pattern %q", pattern)
	}
	base, _ := doublestar.SplitPattern(pattern)
	return unescapeGlob(base), nil
}

// matchGlob expects a pattern already checked by globBase.
func matchGlob(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

func unescapeGlob(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}
