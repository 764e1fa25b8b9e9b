// Package fsprovider implements the storage backends that remote trees are
// mirrored from. Every backend exposes the same three capabilities: glob
// listing, size lookup and whole-file download into a local path.
//
// Paths handed to a Provider never carry the protocol prefix and always use
// forward slashes, e.g. "bucket/runs/exp1/events.out.tfevents.1" for
// "s3://bucket/runs/exp1/events.out.tfevents.1".
package fsprovider

import (
	"context"
	"errors"
	"strings"
)

// DefaultProtocol is assumed for URIs without a scheme separator.
const DefaultProtocol = "file"

const schemeSeparator = "://"

// ErrNotFound is returned by Size and Download for paths that do not exist.
var ErrNotFound = errors.New("remote path not found")

// Provider is the capability set the sync engine needs from a backend.
type Provider interface {
	// Protocol returns the canonical protocol token, e.g. "s3".
	Protocol() string
	// Glob returns all regular files matching pattern, sorted ascending.
	// "**" matches any number of path segments.
	Glob(ctx context.Context, pattern string) ([]string, error)
	// Size returns the byte size of the file at path.
	Size(ctx context.Context, path string) (int64, error)
	// Download copies the file at remotePath to localPath, creating parent
	// directories as needed. The destination is replaced atomically.
	Download(ctx context.Context, remotePath, localPath string) error
}

// Factory builds a Provider for protocol.
type Factory func(ctx context.Context, protocol string) (Provider, error)

// SplitURI splits uri into its protocol token and path component. A URI
// without "://" is a local path.
func SplitURI(uri string) (protocol, path string) {
	protocol, path, found := strings.Cut(uri, schemeSeparator)
	if !found {
		return DefaultProtocol, uri
	}
	return strings.ToLower(protocol), path
}

// JoinURI is the inverse of SplitURI.
func JoinURI(protocol, path string) string {
	return protocol + schemeSeparator + path
}
