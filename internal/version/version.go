// Package version provides build-time version information
// injected via ldflags during compilation:
//
//	-ldflags "-X github.com/avaropoint/netctl/internal/version.Version=1.2.0"
package version

import "fmt"

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// String formats the version for startup banners.
func String() string {
	return fmt.Sprintf("v%s (built %s)", Version, BuildTime)
}
