// Package hostinfo describes the machine a file was pushed from.
package hostinfo

import (
	"bytes"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/host"
)

// Info is written into every metadata bag as localmachinename and localos.
type Info struct {
	MachineName string
	OS          string
}

var (
	once    sync.Once
	current Info
)

// Current returns the host description, computed once per process.
func Current() Info {
	once.Do(func() {
		current = Info{
			MachineName: machineName(),
			OS:          osVersion(),
		}
	})
	return current
}

func machineName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

// osVersion prefers gopsutil and falls back to asking the OS tools.
func osVersion() string {
	if info, err := host.Info(); err == nil && info.Platform != "" {
		return formatHostInfo(info.OS, info.Platform, info.PlatformVersion, info.KernelVersion)
	}

	switch runtime.GOOS {
	case "darwin":
		return getMacOSVersion()
	case "linux":
		return getLinuxVersion()
	case "windows":
		return getWindowsVersion()
	}
	return runtime.GOOS
}

func formatHostInfo(osName, platform, platformVersion, kernel string) string {
	var b strings.Builder
	b.WriteString(osName)
	b.WriteString("; ")
	b.WriteString(platform)
	if platformVersion != "" {
		b.WriteString("/")
		b.WriteString(platformVersion)
	}
	if kernel != "" {
		b.WriteString("; kernel/")
		b.WriteString(kernel)
	}
	return b.String()
}

func getMacOSVersion() string {
	out, err := run("sw_vers", "-productVersion")
	if err != nil || out == "" {
		return "macOS"
	}
	return "macOS/" + out
}

func getLinuxVersion() string {
	kernel, err := run("uname", "-r")
	if err != nil {
		return "Linux"
	}
	if distro, err := run("lsb_release", "-si"); err == nil && distro != "" {
		if v, err := run("lsb_release", "-sr"); err == nil && v != "" {
			return distro + "/" + v + "; kernel/" + kernel
		}
		return distro + "; kernel/" + kernel
	}
	return "Linux; kernel/" + kernel
}

func getWindowsVersion() string {
	out, err := run("cmd", "/c", "ver")
	if err != nil {
		return "Windows"
	}
	// "Microsoft Windows [Version 10.0.19044.2604]"
	if i := strings.Index(out, "[Version "); i >= 0 {
		rest := out[i+len("[Version "):]
		if j := strings.Index(rest, "]"); j > 0 {
			return "Windows/" + rest[:j]
		}
	}
	return "Windows"
}

func run(name string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}
