// Package version records the client version reported to the user
// and carried in remote session banners.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the client version.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// MindbgVersion is the current version of mindbg.
var MindbgVersion = Version{
	Major: "0", Minor: "4", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go runtime the client was built with.
func BuildInfo() string {
	return runtime.Version()
}

// fixBuild fills the build id from module build info when the source
// tree did not stamp one.
func fixBuild(v *Version) {
	if v.Build != "$Id$" {
		return
	}
	v.Build = ""
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
