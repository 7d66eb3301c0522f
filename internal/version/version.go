// Package version reports the build version of the portal binaries.
package version

import (
	"os"
	"strings"
)

// Version is overridden at build time with
// -ldflags "-X agentteams.app/portal/internal/version.Version=1.2.3".
var Version = "dev"

// Resolve returns the version from the VERSION file at path when it exists
// and is non-empty, otherwise Version.
func Resolve(path string) string {
	if path == "" {
		return Version
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Version
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		return v
	}
	return Version
}

// UserAgent formats the User-Agent sent to the backend.
func UserAgent(product, version string) string {
	if version == "" {
		version = Version
	}
	return product + "/" + strings.TrimPrefix(version, "v")
}
