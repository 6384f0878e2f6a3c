// Package version holds the build version, set at link time with
// -ldflags "-X github.com/ppiankov/kiln/internal/version.Version=v1.2.3".
package version

// Version is the kiln release.
var Version = "dev"
