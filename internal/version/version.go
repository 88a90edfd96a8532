package version

import (
	"fmt"
)

// Set at link time with -ldflags "-X".
var (
	version   string
	buildtime string
)

// GetVersionString returns a standard version header
func GetVersionString() string {
	return fmt.Sprintf("shardrepl, version %v", GetVersion())
}

// GetVersion returns the semver compatible version number
func GetVersion() string {
	if version == "" {
		return "unknown"
	}
	return version
}

// GetBuildTime returns the time at which the build took place
func GetBuildTime() string {
	return buildtime
}
