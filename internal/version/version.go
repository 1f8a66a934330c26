// Package version carries build identification set with -ldflags, for
// example -X github.com/banshee-data/cmdtlm/internal/version.Version=v0.3.0.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build identification for logs and -version.
func String() string {
	return fmt.Sprintf("cmdtlm %s (%s, built %s)", Version, GitSHA, BuildTime)
}
