// Package version reports what binary is running.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	module     = "pkt.systems/monkeyfarmer"
	develBuild = "devel"
)

// buildVersion is set with -ldflags "-X pkt.systems/monkeyfarmer/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Details describes the running binary.
type Details struct {
	Module    string
	Version   string
	Revision  string
	Dirty     bool
	GoVersion string
	Platform  string
}

// Current returns the release version, or "devel" for untagged builds.
func Current() string { return Describe().Version }

// Module returns the main module path.
func Module() string { return Describe().Module }

// Describe reads the linker stamp and build info.
func Describe() Details {
	info, _ := debug.ReadBuildInfo()
	return describe(info, buildVersion)
}

func describe(info *debug.BuildInfo, stamped string) Details {
	d := Details{
		Module:    module,
		Version:   develBuild,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			d.Module = path
		}
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			d.Version = v
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				d.Revision = setting.Value
			case "vcs.modified":
				d.Dirty = setting.Value == "true"
			}
		}
	}
	if v := strings.TrimSpace(stamped); v != "" {
		d.Version = v
	}
	return d
}

// String renders "module version (rev, go, platform)". The revision is
// shortened to 12 characters and marked when the tree was modified.
func (d Details) String() string {
	parts := make([]string, 0, 3)
	if d.Revision != "" {
		rev := d.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		if d.Dirty {
			rev += "-dirty"
		}
		parts = append(parts, rev)
	}
	parts = append(parts, d.GoVersion, d.Platform)
	return fmt.Sprintf("%s %s (%s)", d.Module, d.Version, strings.Join(parts, " "))
}
