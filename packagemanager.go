package main

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PackageUpdate is one pending package update (C3), with security marking
// where the underlying package manager's output makes that distinguishable.
type PackageUpdate struct {
	Name             string
	CurrentVersion   string
	AvailableVersion string
	Repository       string
	Security         bool
	Description      string
}

func (u PackageUpdate) String() string {
	marker := ""
	if u.Security {
		marker = " [SECURITY]"
	}
	return fmt.Sprintf("%s: %s -> %s%s", u.Name, u.CurrentVersion, u.AvailableVersion, marker)
}

// PackageManager is the tagged-variant interface each of the six
// supported ecosystems implements (spec.md §4.3). Refresh/List/Apply each
// take the RemoteShell they were bound to at construction. Apply returns
// the combined stdout+stderr of the apply command alongside success, so
// the orchestrator can attach it to the report on failure (spec.md §4.3,
// §8 scenario 4).
type PackageManager interface {
	Refresh() bool
	List() []PackageUpdate
	Apply() (bool, string)
}

// combinedOutput joins a command's stdout and stderr for attaching to a
// failed apply's report, omitting either half when empty.
func combinedOutput(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}

// NewPackageManager builds the adapter for kind, or an error if kind has
// no adapter (apk and brew are detected by C2 but deferred, spec.md §9).
func NewPackageManager(kind PackageManagerKind, shell RemoteShell) (PackageManager, error) {
	switch kind {
	case PMApt:
		return &aptPackageManager{shell: shell}, nil
	case PMYum:
		return &yumPackageManager{shell: shell}, nil
	case PMDnf:
		return &dnfPackageManager{shell: shell}, nil
	case PMZypper:
		return &zypperPackageManager{shell: shell}, nil
	case PMPacman:
		return &pacmanPackageManager{shell: shell}, nil
	case PMPkg:
		return &pkgPackageManager{shell: shell}, nil
	default:
		return nil, fmt.Errorf("package manager: unsupported kind %q", kind)
	}
}

const (
	refreshTimeout = 300 * time.Second
	listTimeout    = 120 * time.Second
	applyTimeout   = 1800 * time.Second
)

// --- apt ---

type aptPackageManager struct {
	shell RemoteShell
}

func (p *aptPackageManager) Refresh() bool {
	exitCode, _, _ := p.shell.Run("apt-get update -qq", refreshTimeout)
	return exitCode == 0
}

func (p *aptPackageManager) List() []PackageUpdate {
	exitCode, stdout, _ := p.shell.Run(`apt list --upgradable 2>/dev/null | grep -v "WARNING"`, listTimeout)
	if exitCode != 0 {
		return nil
	}
	var updates []PackageUpdate
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if strings.TrimSpace(line) == "" || strings.Contains(line, "Listing...") {
			continue
		}
		if u, ok := parseAptLine(line); ok {
			updates = append(updates, u)
		}
	}
	markAptSecurityUpdates(updates)
	return updates
}

var aptLineRE = regexp.MustCompile(`^([^/]+)/([^\s]+)\s+([^\s]+)\s+([^\s]+)(?:\s+\[upgradable from:\s+([^\]]+)\])?`)

func parseAptLine(line string) (PackageUpdate, bool) {
	m := aptLineRE.FindStringSubmatch(line)
	if m == nil {
		return PackageUpdate{}, false
	}
	current := "unknown"
	if m[5] != "" {
		current = m[5]
	}
	return PackageUpdate{
		Name:             m[1],
		Repository:       m[2],
		AvailableVersion: m[3],
		CurrentVersion:   current,
	}, true
}

func markAptSecurityUpdates(updates []PackageUpdate) {
	securityRepos := []string{"-security", "-updates"}
	for i := range updates {
		for _, sr := range securityRepos {
			if strings.Contains(updates[i].Repository, sr) {
				updates[i].Security = true
				break
			}
		}
	}
}

func (p *aptPackageManager) Apply() (bool, string) {
	if !p.Refresh() {
		return false, ""
	}
	exitCode, stdout, stderr := p.shell.Run("DEBIAN_FRONTEND=noninteractive apt-get upgrade -y", applyTimeout)
	return exitCode == 0, combinedOutput(stdout, stderr)
}

// --- yum ---

type yumPackageManager struct {
	shell RemoteShell
}

func (p *yumPackageManager) Refresh() bool {
	exitCode, _, _ := p.shell.Run("yum clean all && yum makecache fast", refreshTimeout)
	return exitCode == 0
}

func (p *yumPackageManager) List() []PackageUpdate {
	exitCode, stdout, _ := p.shell.Run("yum check-update --quiet", listTimeout)
	// yum check-update returns 100 when updates are available, 0 when none.
	if exitCode != 100 {
		return nil
	}
	updates := parseYumOutput(stdout)
	markYumDnfSecurityUpdates(p.shell, "yum", updates)
	return updates
}

// parseYumOutput parses `yum/dnf check-update` output. Shared by both
// adapters (spec.md §9 design note: DNF reuses YUM's parser via a helper,
// not inheritance).
func parseYumOutput(output string) []PackageUpdate {
	var updates []PackageUpdate
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Loaded plugins") || strings.HasPrefix(line, "Loading mirror") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		packageArch := parts[0]
		name := packageArch
		if idx := strings.LastIndex(packageArch, "."); idx >= 0 {
			name = packageArch[:idx]
		}
		updates = append(updates, PackageUpdate{
			Name:             name,
			CurrentVersion:   "installed",
			AvailableVersion: parts[1],
			Repository:       parts[2],
		})
	}
	return updates
}

// markYumDnfSecurityUpdates runs `<cmd> --security check-update` and marks
// any update whose package name shows up in that output as security.
func markYumDnfSecurityUpdates(shell RemoteShell, cmd string, updates []PackageUpdate) {
	exitCode, stdout, _ := shell.Run(cmd+" --security check-update --quiet", listTimeout)
	if exitCode != 100 {
		return
	}
	security := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) < 1 {
			continue
		}
		packageArch := parts[0]
		name := packageArch
		if idx := strings.LastIndex(packageArch, "."); idx >= 0 {
			name = packageArch[:idx]
		}
		security[name] = true
	}
	for i := range updates {
		if security[updates[i].Name] {
			updates[i].Security = true
		}
	}
}

func (p *yumPackageManager) Apply() (bool, string) {
	if !p.Refresh() {
		return false, ""
	}
	exitCode, stdout, stderr := p.shell.Run("yum update -y", applyTimeout)
	return exitCode == 0, combinedOutput(stdout, stderr)
}

// --- dnf ---

type dnfPackageManager struct {
	shell RemoteShell
}

func (p *dnfPackageManager) Refresh() bool {
	exitCode, _, _ := p.shell.Run("dnf clean all && dnf makecache", refreshTimeout)
	return exitCode == 0
}

func (p *dnfPackageManager) List() []PackageUpdate {
	exitCode, stdout, _ := p.shell.Run("dnf check-update --quiet", listTimeout)
	if exitCode != 100 {
		return nil
	}
	updates := parseYumOutput(stdout)
	markYumDnfSecurityUpdates(p.shell, "dnf", updates)
	return updates
}

func (p *dnfPackageManager) Apply() (bool, string) {
	if !p.Refresh() {
		return false, ""
	}
	exitCode, stdout, stderr := p.shell.Run("dnf update -y", applyTimeout)
	return exitCode == 0, combinedOutput(stdout, stderr)
}

// --- zypper ---

type zypperPackageManager struct {
	shell RemoteShell
}

func (p *zypperPackageManager) Refresh() bool {
	exitCode, _, _ := p.shell.Run("zypper --quiet refresh", refreshTimeout)
	return exitCode == 0
}

func (p *zypperPackageManager) List() []PackageUpdate {
	exitCode, stdout, _ := p.shell.Run("zypper --quiet list-updates", listTimeout)
	if exitCode != 0 {
		return nil
	}
	var updates []PackageUpdate
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if !strings.HasPrefix(line, "v |") {
			continue
		}
		parts := strings.Split(line, "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) < 5 {
			continue
		}
		repo := ""
		if len(parts) > 5 {
			repo = parts[1]
		}
		updates = append(updates, PackageUpdate{
			Name:             parts[2],
			CurrentVersion:   parts[3],
			AvailableVersion: parts[4],
			Repository:       repo,
		})
	}
	return updates
}

func (p *zypperPackageManager) Apply() (bool, string) {
	if !p.Refresh() {
		return false, ""
	}
	exitCode, stdout, stderr := p.shell.Run("zypper --non-interactive update", applyTimeout)
	return exitCode == 0, combinedOutput(stdout, stderr)
}

// --- pacman ---

type pacmanPackageManager struct {
	shell RemoteShell
}

func (p *pacmanPackageManager) Refresh() bool {
	exitCode, _, _ := p.shell.Run("pacman -Sy", refreshTimeout)
	return exitCode == 0
}

func (p *pacmanPackageManager) List() []PackageUpdate {
	exitCode, stdout, _ := p.shell.Run("pacman -Qu", listTimeout)
	// exit 1 means no updates, not a failure.
	if exitCode != 0 {
		return nil
	}
	var updates []PackageUpdate
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if !strings.Contains(line, "->") {
			continue
		}
		parts := strings.SplitN(line, "->", 2)
		if len(parts) != 2 {
			continue
		}
		left := strings.Fields(strings.TrimSpace(parts[0]))
		available := strings.TrimSpace(parts[1])
		name := strings.TrimSpace(parts[0])
		current := "unknown"
		if len(left) >= 2 {
			name = left[0]
			current = left[1]
		}
		updates = append(updates, PackageUpdate{
			Name:             name,
			CurrentVersion:   current,
			AvailableVersion: available,
		})
	}
	return updates
}

func (p *pacmanPackageManager) Apply() (bool, string) {
	if !p.Refresh() {
		return false, ""
	}
	exitCode, stdout, stderr := p.shell.Run("pacman -Su --noconfirm", applyTimeout)
	return exitCode == 0, combinedOutput(stdout, stderr)
}

// --- pkg (FreeBSD) ---

type pkgPackageManager struct {
	shell RemoteShell
}

func (p *pkgPackageManager) Refresh() bool {
	exitCode, _, _ := p.shell.Run("pkg update", refreshTimeout)
	return exitCode == 0
}

var pkgPortHasRE = regexp.MustCompile(`port has ([^)]+)`)

func (p *pkgPackageManager) List() []PackageUpdate {
	exitCode, stdout, _ := p.shell.Run("pkg version -vL=", listTimeout)
	if exitCode != 0 {
		return nil
	}
	var updates []PackageUpdate
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, "<") || !strings.Contains(line, "needs updating") {
			continue
		}
		parts := strings.SplitN(line, "<", 2)
		if len(parts) != 2 {
			continue
		}
		left := strings.TrimSpace(parts[0])
		right := strings.TrimSpace(parts[1])

		name, current := left, "unknown"
		if idx := strings.LastIndex(left, "-"); idx >= 0 {
			name = left[:idx]
			current = left[idx+1:]
		}

		available := "unknown"
		if m := pkgPortHasRE.FindStringSubmatch(right); m != nil {
			available = m[1]
		}

		updates = append(updates, PackageUpdate{
			Name:             name,
			CurrentVersion:   current,
			AvailableVersion: available,
			Repository:       "ports",
		})
	}
	return updates
}

func (p *pkgPackageManager) Apply() (bool, string) {
	if !p.Refresh() {
		return false, ""
	}
	exitCode, stdout, stderr := p.shell.Run("pkg upgrade -y", applyTimeout)
	return exitCode == 0, combinedOutput(stdout, stderr)
}
