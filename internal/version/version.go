// Package version holds build-time version metadata, set via -ldflags at
// build time. It replaces the dropped github.com/perforce/p4prometheus/version
// dependency: that package prints p4prometheus's own release metadata and has
// no reason to be imported by an unrelated module; this package carries
// the same build-stamp banner with this repository's own metadata.
package version

import "fmt"

var (
	// Version is the tagged release, e.g. "1.4.0". Set via -ldflags.
	Version = "dev"
	// Commit is the short git commit hash the binary was built from.
	Commit = "unknown"
	// BuildDate is the RFC3339 build timestamp.
	BuildDate = "unknown"
)

// Print returns a one-line "<prog>, version <ver> (revision <rev>, built
// <date>)" banner for program.
func Print(program string) string {
	return fmt.Sprintf("%s, version %s (revision %s, built %s)", program, Version, Commit, BuildDate)
}
