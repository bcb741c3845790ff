// Package buildinfo exposes the version stamped into fleetd binaries.
package buildinfo

import (
	"fmt"
	"runtime"
)

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the wire form served on the version endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Current returns the stamped build values.
func Current() Info {
	return Info{Version: Version, Commit: Commit, Date: Date, GoVersion: runtime.Version()}
}

func String() string {
	return fmt.Sprintf("fleetd version=%s commit=%s date=%s", Version, Commit, Date)
}
