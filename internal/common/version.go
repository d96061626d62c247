package common

import (
	"fmt"
)

// Version information (set via -ldflags during build)
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// VersionInfo returns the version fields for the version endpoint
func VersionInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"build":      Build,
		"git_commit": GitCommit,
	}
}
