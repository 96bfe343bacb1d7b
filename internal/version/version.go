// Package version holds build metadata injected via ldflags.
package version

// Set at build time:
//
//	-ldflags "-X .../internal/version.Version=v1.2.3 -X .../internal/version.Commit=abc1234"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String renders the build metadata for startup logs.
func String() string {
	return Version + " (" + Commit + ", built " + Date + ")"
}
