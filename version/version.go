// Package version holds build metadata for tunlock.
//
// The values are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/tunlock/version.Version=1.0.0 \
//	  -X github.com/go-i2p/tunlock/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds report "dev".
package version

// Version is the software version.
var Version = "dev"

// GitCommit is the short commit hash the binary was built from.
var GitCommit = ""

// BuildTime is when the binary was built, in RFC 3339.
var BuildTime = ""

// Full returns the version including commit and build time if available.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}
