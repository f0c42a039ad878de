package main

import (
	"errors"
	"strings"
	"time"
)

// PackageManagerKind enumerates the package-manager adapters C3 knows how
// to build (spec.md §4.3). apk and brew are recognized here for OS
// detection purposes but have no adapter yet (spec.md §9 open question).
type PackageManagerKind string

const (
	PMApt     PackageManagerKind = "apt"
	PMYum     PackageManagerKind = "yum"
	PMDnf     PackageManagerKind = "dnf"
	PMZypper  PackageManagerKind = "zypper"
	PMPacman  PackageManagerKind = "pacman"
	PMPkg     PackageManagerKind = "pkg"
	PMApk     PackageManagerKind = "apk"
	PMBrew    PackageManagerKind = "brew"
	PMUnknown PackageManagerKind = "unknown"
)

// OSInfo is what C2 produces for one host: distribution family, version,
// and the package manager the orchestrator should build against it.
type OSInfo struct {
	Family         string
	Distribution   string
	Version        string
	PackageManager PackageManagerKind
	Architecture   string
}

func (o OSInfo) String() string {
	return o.Distribution + " " + o.Version + " (" + o.Family + ", " + string(o.PackageManager) + ")"
}

// osPattern binds a distribution-name substring to its family and default
// package manager, in the precedence order spec.md §4.2 describes.
type osPattern struct {
	substring string
	family    string
	pm        PackageManagerKind
}

var osPatterns = []osPattern{
	{"ubuntu", "linux", PMApt},
	{"debian", "linux", PMApt},
	{"linuxmint", "linux", PMApt},
	{"mint", "linux", PMApt},
	{"centos", "linux", PMYum},
	{"rhel", "linux", PMYum},
	{"red hat", "linux", PMYum},
	{"fedora", "linux", PMDnf},
	{"opensuse", "linux", PMZypper},
	{"suse", "linux", PMZypper},
	{"arch", "linux", PMPacman},
	{"manjaro", "linux", PMPacman},
	{"alpine", "linux", PMApk},
	{"freebsd", "freebsd", PMPkg},
	{"openbsd", "openbsd", PMPkg},
	{"darwin", "darwin", PMBrew},
	{"macos", "darwin", PMBrew},
}

// packageManagerProbes lists the binary paths C2 tests with `test -x`
// when the distribution-pattern lookup can't pin a package manager down.
var packageManagerProbes = map[PackageManagerKind][]string{
	PMApt:    {"/usr/bin/apt", "/usr/bin/apt-get"},
	PMYum:    {"/usr/bin/yum", "/bin/yum"},
	PMDnf:    {"/usr/bin/dnf", "/bin/dnf"},
	PMZypper: {"/usr/bin/zypper"},
	PMPacman: {"/usr/bin/pacman"},
	PMApk:    {"/sbin/apk"},
	PMPkg:    {"/usr/sbin/pkg"},
	PMBrew:   {"/usr/local/bin/brew", "/opt/homebrew/bin/brew"},
}

const probeCommandTimeout = 10 * time.Second

// DetectOS runs uname / os-release / lsb_release against shell and
// derives an OSInfo (C2). It returns an error only when no probe command
// yielded any output; a detected-but-unknown distribution is not an
// error, it's OSInfo{Distribution: "unknown", ...}.
func DetectOS(shell RemoteShell) (OSInfo, error) {
	uname := getUnameInfo(shell)
	osRelease := getOSReleaseInfo(shell)
	lsb := getLSBInfo(shell)
	if uname == nil && osRelease == nil && lsb == nil {
		return OSInfo{}, errors.New("OS detection failed")
	}

	family, distribution, version := parseOSInfo(uname, osRelease, lsb)
	pm := detectPackageManager(shell, distribution)
	arch := getArchitecture(uname)

	return OSInfo{
		Family:         family,
		Distribution:   distribution,
		Version:        version,
		PackageManager: pm,
		Architecture:   arch,
	}, nil
}

func getUnameInfo(shell RemoteShell) map[string]string {
	exitCode, stdout, _ := shell.Run("uname -a", probeCommandTimeout)
	if exitCode != 0 {
		return nil
	}
	parts := strings.Fields(strings.TrimSpace(stdout))
	info := map[string]string{"full": strings.TrimSpace(stdout)}
	fields := []string{"kernel_name", "hostname", "kernel_release", "kernel_version", "machine"}
	for i, f := range fields {
		if i < len(parts) {
			info[f] = parts[i]
		}
	}
	return info
}

func getOSReleaseInfo(shell RemoteShell) map[string]string {
	exitCode, stdout, _ := shell.Run("cat /etc/os-release 2>/dev/null || true", probeCommandTimeout)
	if exitCode != 0 || strings.TrimSpace(stdout) == "" {
		return nil
	}
	info := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		info[key] = strings.Trim(value, `"'`)
	}
	return info
}

func getLSBInfo(shell RemoteShell) map[string]string {
	exitCode, stdout, _ := shell.Run("lsb_release -a 2>/dev/null || true", probeCommandTimeout)
	if exitCode != 0 || strings.TrimSpace(stdout) == "" {
		return nil
	}
	info := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		info[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return info
}

func parseOSInfo(uname, osRelease, lsb map[string]string) (family, distribution, version string) {
	family, distribution, version = "unknown", "unknown", "unknown"

	if len(osRelease) > 0 {
		if v, ok := osRelease["ID"]; ok {
			distribution = strings.ToLower(v)
		} else if v, ok := osRelease["NAME"]; ok {
			distribution = strings.ToLower(v)
		}
		if v, ok := osRelease["VERSION_ID"]; ok {
			version = v
		} else if v, ok := osRelease["VERSION"]; ok {
			version = v
		}
	}

	if distribution == "unknown" && len(lsb) > 0 {
		if v, ok := lsb["Distributor ID"]; ok {
			distribution = strings.ToLower(v)
		}
		if v, ok := lsb["Release"]; ok {
			version = v
		}
	}

	if distribution == "unknown" && len(uname) > 0 {
		switch strings.ToLower(uname["kernel_name"]) {
		case "darwin":
			distribution = "macos"
			version = valueOr(uname["kernel_release"], "unknown")
		case "freebsd":
			distribution = "freebsd"
			version = valueOr(uname["kernel_release"], "unknown")
		case "openbsd":
			distribution = "openbsd"
			version = valueOr(uname["kernel_release"], "unknown")
		}
	}

	for _, p := range osPatterns {
		if strings.Contains(strings.ToLower(distribution), p.substring) {
			family = p.family
			break
		}
	}

	distribution = normalizeDistributionName(distribution)

	if (distribution == "arch" || distribution == "manjaro") && version == "unknown" {
		version = "rolling"
	}

	return family, distribution, version
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func normalizeDistributionName(distribution string) string {
	d := strings.ToLower(strings.TrimSpace(distribution))
	switch {
	case strings.Contains(d, "red hat"), strings.Contains(d, "redhat"):
		return "rhel"
	case strings.Contains(d, "centos"):
		return "centos"
	case strings.Contains(d, "ubuntu"):
		return "ubuntu"
	case strings.Contains(d, "linuxmint"), strings.Contains(d, "linux mint"), d == "mint":
		return "linuxmint"
	case strings.Contains(d, "debian"):
		return "debian"
	case strings.Contains(d, "fedora"):
		return "fedora"
	case strings.Contains(d, "opensuse"), strings.Contains(d, "suse"):
		return "opensuse"
	case strings.Contains(d, "arch"):
		return "arch"
	case strings.Contains(d, "manjaro"):
		return "manjaro"
	case strings.Contains(d, "alpine"):
		return "alpine"
	case strings.Contains(d, "freebsd"):
		return "freebsd"
	case strings.Contains(d, "openbsd"):
		return "openbsd"
	case strings.Contains(d, "darwin"), strings.Contains(d, "macos"):
		return "macos"
	}
	return d
}

func detectPackageManager(shell RemoteShell, distribution string) PackageManagerKind {
	for _, p := range osPatterns {
		if strings.Contains(strings.ToLower(distribution), p.substring) {
			if packageManagerExists(shell, p.pm) {
				return p.pm
			}
		}
	}

	for pm := range packageManagerProbes {
		if packageManagerExists(shell, pm) {
			return pm
		}
	}
	return PMUnknown
}

func packageManagerExists(shell RemoteShell, pm PackageManagerKind) bool {
	paths, ok := packageManagerProbes[pm]
	if !ok {
		return false
	}
	for _, path := range paths {
		exitCode, _, _ := shell.Run("test -x "+path, probeCommandTimeout)
		if exitCode == 0 {
			return true
		}
	}
	return false
}

func getArchitecture(uname map[string]string) string {
	arch, ok := uname["machine"]
	if !ok || arch == "" {
		return "unknown"
	}
	switch {
	case arch == "x86_64" || arch == "amd64":
		return "x86_64"
	case arch == "i386" || arch == "i686":
		return "i386"
	case strings.HasPrefix(arch, "aarch64"):
		return "arm64"
	case strings.HasPrefix(arch, "arm"):
		return "arm"
	}
	return arch
}
