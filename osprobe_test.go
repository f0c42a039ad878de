package main

import "testing"

func TestDetectOSUbuntuFromOSRelease(t *testing.T) {
	shell := newFakeShell().
		on("uname -a", 0, "Linux web1 5.15.0-generic #1 SMP x86_64 GNU/Linux", "").
		on("cat /etc/os-release 2>/dev/null || true", 0, "ID=ubuntu\nVERSION_ID=\"22.04\"\n", "").
		on("lsb_release -a 2>/dev/null || true", 0, "", "").
		on("test -x /usr/bin/apt", 0, "", "")

	info, err := DetectOS(shell)
	if err != nil {
		t.Fatalf("DetectOS: %v", err)
	}
	if info.Distribution != "ubuntu" || info.Version != "22.04" {
		t.Errorf("unexpected distribution/version: %+v", info)
	}
	if info.Family != "linux" {
		t.Errorf("expected linux family, got %q", info.Family)
	}
	if info.PackageManager != PMApt {
		t.Errorf("expected apt, got %q", info.PackageManager)
	}
	if info.Architecture != "x86_64" {
		t.Errorf("expected x86_64 architecture, got %q", info.Architecture)
	}
}

func TestDetectOSFallsBackToLSBRelease(t *testing.T) {
	shell := newFakeShell().
		on("uname -a", 0, "Linux host 4.4.0 #1 SMP aarch64 GNU/Linux", "").
		on("cat /etc/os-release 2>/dev/null || true", 1, "", "").
		on("lsb_release -a 2>/dev/null || true", 0, "Distributor ID:\tCentOS\nRelease:\t7.9\n", "").
		on("test -x /usr/bin/yum", 0, "", "")

	info, err := DetectOS(shell)
	if err != nil {
		t.Fatalf("DetectOS: %v", err)
	}
	if info.Distribution != "centos" {
		t.Errorf("expected centos, got %q", info.Distribution)
	}
	if info.Version != "7.9" {
		t.Errorf("expected version 7.9, got %q", info.Version)
	}
	if info.PackageManager != PMYum {
		t.Errorf("expected yum, got %q", info.PackageManager)
	}
	if info.Architecture != "arm64" {
		t.Errorf("expected arm64 architecture, got %q", info.Architecture)
	}
}

func TestDetectOSFreeBSDFromUname(t *testing.T) {
	shell := newFakeShell().
		on("uname -a", 0, "FreeBSD host 13.2-RELEASE FreeBSD 13.2-RELEASE amd64", "").
		on("cat /etc/os-release 2>/dev/null || true", 0, "", "").
		on("lsb_release -a 2>/dev/null || true", 0, "", "").
		on("test -x /usr/sbin/pkg", 0, "", "")

	info, err := DetectOS(shell)
	if err != nil {
		t.Fatalf("DetectOS: %v", err)
	}
	if info.Distribution != "freebsd" || info.Family != "freebsd" {
		t.Errorf("unexpected: %+v", info)
	}
	if info.PackageManager != PMPkg {
		t.Errorf("expected pkg, got %q", info.PackageManager)
	}
}

func TestDetectOSArchIsRollingRelease(t *testing.T) {
	shell := newFakeShell().
		on("uname -a", 0, "Linux host 6.1.0 #1 SMP x86_64 GNU/Linux", "").
		on("cat /etc/os-release 2>/dev/null || true", 0, "ID=arch\n", "").
		on("lsb_release -a 2>/dev/null || true", 0, "", "").
		on("test -x /usr/bin/pacman", 0, "", "")

	info, err := DetectOS(shell)
	if err != nil {
		t.Fatalf("DetectOS: %v", err)
	}
	if info.Distribution != "arch" || info.Version != "rolling" {
		t.Errorf("expected rolling release arch, got %+v", info)
	}
}

func TestDetectOSUnknownPackageManagerFallsBackToProbing(t *testing.T) {
	shell := newFakeShell().
		on("uname -a", 0, "Linux host 5.10.0 #1 SMP x86_64 GNU/Linux", "").
		on("cat /etc/os-release 2>/dev/null || true", 0, "ID=mystery-distro\n", "").
		on("lsb_release -a 2>/dev/null || true", 0, "", "").
		on("test -x /usr/bin/zypper", 0, "", "")

	info, err := DetectOS(shell)
	if err != nil {
		t.Fatalf("DetectOS: %v", err)
	}
	if info.PackageManager != PMZypper {
		t.Errorf("expected probing fallback to find zypper, got %q", info.PackageManager)
	}
}
