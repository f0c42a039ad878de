package main

import (
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/sirupsen/logrus"
)

// HostProber checks host reachability (C6): an ICMP ping, optionally
// backed by an SSH echo once ping succeeds, and dispatches the reboot
// command a host pass needs after updates are applied.
type HostProber struct {
	log *logrus.Entry

	// newShell is the same injectable-constructor seam Orchestrator uses;
	// defaults to NewRemoteShell and is overridden in tests with a
	// scripted fakeShell so the SSH-echo and reboot-dispatch branches are
	// exercisable without a live SSH server.
	newShell func() RemoteShell
}

func NewHostProber(log *logrus.Entry) *HostProber {
	return &HostProber{log: log, newShell: func() RemoteShell { return NewRemoteShell() }}
}

// Ping sends a single ICMP echo and reports whether it was answered
// within timeout.
func (p *HostProber) Ping(hostname string, timeout time.Duration) bool {
	pinger, err := probing.NewPinger(hostname)
	if err != nil {
		p.log.Debugf("ping %s: %v", hostname, err)
		return false
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(true)

	if err := pinger.Run(); err != nil {
		p.log.Debugf("ping %s: %v", hostname, err)
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// WaitForAvailability polls ping (and, if useSSH, a fresh SSH echo) every
// checkInterval until maxWaitTime elapses, per spec.md §4.6's
// REBOOT_DECISION -> REBOOTING -> availability gate.
func (p *HostProber) WaitForAvailability(host Host, creds Credentials, maxWaitTime, checkInterval time.Duration, useSSH bool) bool {
	p.log.Infof("waiting for %s to become available (timeout %s)", host.Name, maxWaitTime)

	deadline := time.Now().Add(maxWaitTime)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++
		if !p.Ping(host.Hostname, 2*time.Second) {
			time.Sleep(checkInterval)
			continue
		}

		if !useSSH {
			p.log.Infof("%s is available (ping only)", host.Name)
			return true
		}

		if p.checkSSHConnectivity(host, creds) {
			p.log.Infof("%s is available (ping + ssh)", host.Name)
			return true
		}
		time.Sleep(checkInterval)
	}

	p.log.Warnf("%s did not become available within %s", host.Name, maxWaitTime)
	return false
}

func (p *HostProber) checkSSHConnectivity(host Host, creds Credentials) bool {
	shell := p.newShell()
	if err := shell.Connect(host.Hostname, host.Port, creds, 10*time.Second); err != nil {
		return false
	}
	defer shell.Close()

	exitCode, _, _ := shell.Run("echo test", 5*time.Second)
	return exitCode == 0
}

// Reboot sends a reboot command and returns true once the command was
// dispatched; the connection dropping mid-command (because the host
// actually rebooted) is not treated as a failure.
func (p *HostProber) Reboot(host Host, creds Credentials, timeout time.Duration) bool {
	shell := p.newShell()
	if err := shell.Connect(host.Hostname, host.Port, creds, timeout); err != nil {
		p.log.Errorf("failed to connect to %s for reboot: %v", host.Name, err)
		return false
	}
	defer shell.Close()

	p.log.Infof("sending reboot command to %s", host.Name)
	shell.Run("shutdown -r now || reboot", 5*time.Second)
	p.log.Infof("reboot command sent to %s", host.Name)
	return true
}
