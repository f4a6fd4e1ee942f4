// Package version reports what build of sharesync is running. Release builds
// set the variables with -ldflags "-X github.com/openmined/sharesync/internal/version.Version=...";
// other builds fall back to the module and VCS stamps the go tool embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	devVersion  = "0.1.0-dev"
	devRevision = "HEAD"
)

var (
	AppName   = "ShareSync"
	Version   = devVersion
	Revision  = devRevision
	BuildDate = ""
)

// applyBuildInfo fills in whatever ldflags left at its default.
func applyBuildInfo(info *debug.BuildInfo) {
	if info == nil {
		return
	}
	vcs := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			vcs[strings.TrimPrefix(s.Key, "vcs.")] = s.Value
		}
	}

	if (Version == "" || Version == devVersion) && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = strings.TrimPrefix(info.Main.Version, "v")
	}
	if (Revision == "" || Revision == devRevision) && vcs["revision"] != "" {
		Revision = vcs["revision"]
		if vcs["modified"] == "true" {
			Revision += "-dirty"
		}
	}
	if BuildDate == "" {
		BuildDate = vcs["time"]
	}
}

// Short is `0.1.0 (5e23a4)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

func ShortWithApp() string {
	return AppName + " " + Short()
}

// Detailed is `0.1.0 (5e23a4; go1.23.6; linux/amd64; 2025-01-02T03:04:05Z)`.
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s; %s)",
		Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate)
}

func DetailedWithApp() string {
	return AppName + " " + Detailed()
}

func init() {
	info, _ := debug.ReadBuildInfo()
	applyBuildInfo(info)
	if BuildDate == "" {
		BuildDate = time.Now().UTC().Format(time.RFC3339)
	}
}
