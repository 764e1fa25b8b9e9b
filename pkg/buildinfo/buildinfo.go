package buildinfo

// Version holds the application's version string.
// Set at link time: go build -ldflags="-X github.com/paulschiretz/pgl-tbviewer/pkg/buildinfo.Version=1.0.0"
var Version = "dev"

// Name is the canonical name of the application used for logging and lock ownership.
var Name = "PGL-TBViewer"
