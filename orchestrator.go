package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	refreshCacheRetries = 3
	refreshCacheBackoff = 5 * time.Second
	rebootSettleSleep   = 10 * time.Second
	snapshotWaitTimeout = 300 * time.Second
)

// Orchestrator drives one host through the full snapshot -> update ->
// reboot -> verify -> cleanup/rollback state machine (C7, spec.md §4.6).
// Apart from the mutex-guarded set of unmapped host names, it owns no
// per-host state: ProcessHost and CheckHost are safe to call concurrently
// from the dispatcher (C8) against distinct hosts.
type Orchestrator struct {
	updates    UpdatesConfig
	ssh        SSHConfig
	proxmoxCfg *ProxmoxConfig
	vmRegistry *VMRegistry
	prober     *HostProber
	log        *logrus.Logger

	// newShell is overridable in tests; production code always leaves it
	// at its NewRemoteShell default.
	newShell func() RemoteShell

	// unmappedMu guards unmapped, the set of hosts ProcessHost found with
	// no VMRegistry entry (and not opted out); concurrent host passes
	// from the dispatcher share one Orchestrator (spec.md §4.6, §6).
	unmappedMu sync.Mutex
	unmapped   map[string]struct{}
}

func NewOrchestrator(cfg *Config, vmRegistry *VMRegistry, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		updates:    cfg.Updates,
		ssh:        cfg.SSH,
		proxmoxCfg: cfg.Proxmox,
		vmRegistry: vmRegistry,
		prober:     NewHostProber(logrus.NewEntry(log)),
		log:        log,
		newShell:   NewRemoteShell,
		unmapped:   map[string]struct{}{},
	}
}

// recordUnmappedHost tracks a host that was processed without a VM
// mapping, for the reporter's configuration warning (spec.md §4.6, §6).
func (o *Orchestrator) recordUnmappedHost(name string) {
	o.unmappedMu.Lock()
	o.unmapped[name] = struct{}{}
	o.unmappedMu.Unlock()
}

// UnmappedHosts returns, sorted, every host name ProcessHost has run
// without a VM mapping so far.
func (o *Orchestrator) UnmappedHosts() []string {
	o.unmappedMu.Lock()
	defer o.unmappedMu.Unlock()
	names := make([]string, 0, len(o.unmapped))
	for name := range o.unmapped {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) credentialsFor(host Host) Credentials {
	username := host.Username
	if username == "" {
		username = o.ssh.Username
	}
	return Credentials{Username: username, KeyFile: o.ssh.KeyFile}
}

// hypervisorClientFor builds a per-host client: the VM mapping's optional
// endpoint/username/password override the global [proxmox] section, for
// standalone nodes outside a cluster (spec.md §6, vm_mapping.toml).
func (o *Orchestrator) hypervisorClientFor(mapping VMMapping, log *logrus.Entry) *HypervisorClient {
	if o.proxmoxCfg == nil {
		return nil
	}
	cfg := *o.proxmoxCfg
	if mapping.Endpoint != "" {
		cfg.Endpoint = mapping.Endpoint
	}
	if mapping.Username != "" {
		cfg.Username = mapping.Username
	}
	if mapping.Password != "" {
		cfg.Password = mapping.Password
	}
	return NewHypervisorClient(&cfg, log)
}

// CheckHost runs the read-only prefix of the state machine: connect,
// detect OS, refresh cache, list updates. It never snapshots, applies,
// or reboots — this is what the `check` command uses for a dry run over
// the whole fleet (spec.md's supplemented read-only path).
func (o *Orchestrator) CheckHost(host Host, timeout time.Duration) UpdateReport {
	log := hostLogger(o.log, host.Name)
	log.Info("checking host")

	shell := o.newShell()
	if err := shell.Connect(host.Hostname, host.Port, o.credentialsFor(host), timeout); err != nil {
		return UpdateReport{Host: host, Error: "failed to connect via ssh", Timestamp: timeNow()}
	}
	defer shell.Close()

	osInfo, err := DetectOS(shell)
	if err != nil {
		return UpdateReport{Host: host, Error: "failed to detect operating system", Timestamp: timeNow()}
	}

	pm, err := NewPackageManager(osInfo.PackageManager, shell)
	if err != nil {
		return UpdateReport{Host: host, OSInfo: &osInfo, Error: err.Error(), Timestamp: timeNow()}
	}

	if !pm.Refresh() {
		log.Warn("failed to refresh package cache")
	}
	updates := pm.List()
	log.Infof("found %d updates (%d security)", len(updates), countSecurity(updates))

	return UpdateReport{Host: host, OSInfo: &osInfo, Updates: updates, Timestamp: timeNow()}
}

func countSecurity(updates []PackageUpdate) int {
	n := 0
	for _, u := range updates {
		if u.Security {
			n++
		}
	}
	return n
}

// ProcessHost runs the full automated update workflow for one host
// (spec.md §4.6-§4.7).
func (o *Orchestrator) ProcessHost(host Host, timeout time.Duration) AutomatedUpdateReport {
	start := timeNow()
	log := hostLogger(o.log, host.Name).WithField("run_id", uuid.NewString())
	log.Info("starting automated update process")

	var vmMapping *VMMapping
	if o.vmRegistry != nil {
		if m, ok := o.vmRegistry.Get(host.Name); ok {
			vmMapping = &m
		} else if o.isOptOut(host) {
			log.Info("no VM mapping found, but host is opted out - snapshots disabled")
		} else {
			log.Warn("no VM mapping found - snapshots disabled")
			o.recordUnmappedHost(host.Name)
		}
	}

	fail := func(ur UpdateReport, outcome UpdateOutcome, detail string) AutomatedUpdateReport {
		return AutomatedUpdateReport{
			Host: host, VMMapping: vmMapping, UpdateReport: ur, Outcome: outcome,
			ErrorDetails: detail, StartTime: start, EndTime: timeNow(),
		}
	}

	creds := o.credentialsFor(host)
	shell := o.newShell()
	if err := shell.Connect(host.Hostname, host.Port, creds, timeout); err != nil {
		return fail(UpdateReport{Host: host, Error: "failed to connect via ssh"}, OutcomeFailedUpdates, "ssh connection failed")
	}
	defer shell.Close()

	osInfo, err := DetectOS(shell)
	if err != nil {
		return fail(UpdateReport{Host: host, Error: "failed to detect os"}, OutcomeFailedUpdates, "os detection failed")
	}

	pm, err := NewPackageManager(osInfo.PackageManager, shell)
	if err != nil {
		msg := fmt.Sprintf("unsupported package manager: %s", osInfo.PackageManager)
		return fail(UpdateReport{Host: host, OSInfo: &osInfo, Error: msg}, OutcomeFailedUpdates, msg)
	}

	log.Info("checking for updates")
	refreshed := false
	for attempt := 1; attempt <= refreshCacheRetries; attempt++ {
		if pm.Refresh() {
			refreshed = true
			break
		}
		log.Warnf("failed to refresh package cache (attempt %d/%d)", attempt, refreshCacheRetries)
		if attempt < refreshCacheRetries {
			time.Sleep(refreshCacheBackoff)
		}
	}
	if !refreshed {
		detail := fmt.Sprintf("failed to refresh package cache after %d attempts", refreshCacheRetries)
		return fail(UpdateReport{Host: host, OSInfo: &osInfo, Error: detail}, OutcomeFailedUpdates, detail)
	}

	updates := pm.List()
	updateReport := UpdateReport{Host: host, OSInfo: &osInfo, Updates: updates, Timestamp: timeNow()}

	if o.isOptOut(host) || !o.updates.ApplyUpdates {
		if o.isOptOut(host) {
			log.Info("host is in opt-out list - only checking updates")
		} else {
			log.Info("update application disabled - only checking updates")
		}
		return AutomatedUpdateReport{
			Host: host, VMMapping: vmMapping, UpdateReport: updateReport, Outcome: OutcomeOptOut,
			StartTime: start, EndTime: timeNow(),
		}
	}

	if len(updates) == 0 {
		log.Info("no updates available")
		return AutomatedUpdateReport{
			Host: host, VMMapping: vmMapping, UpdateReport: updateReport, Outcome: OutcomeNoUpdates,
			StartTime: start, EndTime: timeNow(),
		}
	}
	log.Infof("found %d updates (%d security)", len(updates), countSecurity(updates))

	var hv *HypervisorClient
	if vmMapping != nil {
		hv = o.hypervisorClientFor(*vmMapping, log)
	}

	var snapshotName string
	if hv != nil && vmMapping != nil {
		name, err := o.createSnapshot(hv, *vmMapping, start, log)
		if err != nil {
			return AutomatedUpdateReport{
				Host: host, VMMapping: vmMapping, UpdateReport: updateReport, Outcome: OutcomeFailedSnapshot,
				ErrorDetails: "failed to create VM snapshot", StartTime: start, EndTime: timeNow(),
			}
		}
		snapshotName = name
	}

	log.Infof("applying %d updates", len(updates))
	applied, applyOutput := pm.Apply()
	if !applied {
		detail := "failed to apply package updates"
		outcome := OutcomeFailedUpdates
		updateReport.CommandOutput = applyOutput
		if snapshotName != "" && hv != nil && vmMapping != nil {
			if o.revertSnapshot(hv, *vmMapping, snapshotName, log) {
				outcome = OutcomeReverted
				detail += " - reverted to snapshot"
			} else {
				outcome = OutcomeRevertFailed
				detail += " - CRITICAL: snapshot revert also failed"
			}
		}
		return AutomatedUpdateReport{
			Host: host, VMMapping: vmMapping, UpdateReport: updateReport, Outcome: outcome,
			SnapshotName: snapshotName, ErrorDetails: detail, StartTime: start, EndTime: timeNow(),
		}
	}
	log.Info("successfully applied updates")

	if o.updates.RebootAfterUpdates {
		log.Info("reboot after updates enabled - rebooting")
		if report := o.handleRebootAndVerification(host, creds, hv, vmMapping, snapshotName, start, updateReport, log); report != nil {
			return *report
		}
	} else {
		log.Info("reboot after updates disabled - skipping reboot")
	}

	if snapshotName != "" && hv != nil && vmMapping != nil && o.updates.CleanupSnapshots {
		o.cleanupOldSnapshots(hv, *vmMapping, log)
	}

	return AutomatedUpdateReport{
		Host: host, VMMapping: vmMapping, UpdateReport: updateReport, Outcome: OutcomeSuccess,
		SnapshotName: snapshotName, StartTime: start, EndTime: timeNow(),
	}
}

func (o *Orchestrator) isOptOut(host Host) bool {
	for _, name := range o.updates.OptOutHosts {
		if name == host.Name {
			return true
		}
	}
	return false
}

func (o *Orchestrator) createSnapshot(hv *HypervisorClient, mapping VMMapping, start time.Time, log *logrus.Entry) (string, error) {
	prefix := o.updates.SnapshotNamePrefix
	if prefix == "" {
		prefix = "pre-update"
	}
	snapshotName := fmt.Sprintf("%s-%s", prefix, start.Format("20060102-150405"))

	description := fmt.Sprintf("Pre-update snapshot created at %s", start.Format(time.RFC3339))
	upid, err := hv.CreateSnapshot(mapping.Node, mapping.VMID, snapshotName, description, false)
	if err != nil {
		log.Errorf("failed to create snapshot for VM %d: %v", mapping.VMID, err)
		return "", err
	}
	if upid != "" && !hv.WaitForTask(mapping.Node, upid, snapshotWaitTimeout) {
		return "", fmt.Errorf("snapshot creation task failed for VM %d", mapping.VMID)
	}
	log.Infof("snapshot %s created for VM %d", snapshotName, mapping.VMID)
	return snapshotName, nil
}

func (o *Orchestrator) revertSnapshot(hv *HypervisorClient, mapping VMMapping, snapshotName string, log *logrus.Entry) bool {
	log.Warnf("reverting VM %d to snapshot %s", mapping.VMID, snapshotName)
	upid, err := hv.RollbackSnapshot(mapping.Node, mapping.VMID, snapshotName)
	if err != nil {
		log.Errorf("failed to revert VM %d to snapshot %s: %v", mapping.VMID, snapshotName, err)
		return false
	}
	if upid != "" && !hv.WaitForTask(mapping.Node, upid, snapshotWaitTimeout) {
		log.Errorf("snapshot rollback task failed for VM %d", mapping.VMID)
		return false
	}
	log.Warnf("VM %d reverted to snapshot %s", mapping.VMID, snapshotName)
	return true
}

func (o *Orchestrator) handleRebootAndVerification(
	host Host, creds Credentials, hv *HypervisorClient, vmMapping *VMMapping,
	snapshotName string, start time.Time, updateReport UpdateReport, log *logrus.Entry,
) *AutomatedUpdateReport {
	rebootTimeout := time.Duration(o.updates.RebootTimeout) * time.Second
	pingTimeout := time.Duration(o.updates.PingTimeout) * time.Second
	pingInterval := time.Duration(o.updates.PingInterval) * time.Second

	revertOrFail := func(outcome UpdateOutcome, detail string) *AutomatedUpdateReport {
		if snapshotName != "" && hv != nil && vmMapping != nil {
			if o.revertSnapshot(hv, *vmMapping, snapshotName, log) {
				outcome = OutcomeReverted
				detail += " - reverted to snapshot"
			} else {
				outcome = OutcomeRevertFailed
				detail += " - CRITICAL: snapshot revert also failed"
			}
		}
		return &AutomatedUpdateReport{
			Host: host, VMMapping: vmMapping, UpdateReport: updateReport, Outcome: outcome,
			SnapshotName: snapshotName, ErrorDetails: detail, StartTime: start, EndTime: timeNow(),
		}
	}

	log.Infof("rebooting %s", host.Name)
	if !o.prober.Reboot(host, creds, rebootTimeout) {
		if hv == nil || vmMapping == nil || !hv.RebootVM(vmMapping.Node, vmMapping.VMID, rebootTimeout) {
			return revertOrFail(OutcomeFailedReboot, "failed to send reboot command")
		}
		log.Infof("ssh reboot dispatch failed for %s, hypervisor-level reboot succeeded instead", host.Name)
	}

	log.Infof("waiting for %s to reboot...", host.Name)
	time.Sleep(rebootSettleSleep)

	if !o.prober.WaitForAvailability(host, creds, pingTimeout, pingInterval, true) {
		if hv != nil && vmMapping != nil && hv.StartVM(vmMapping.Node, vmMapping.VMID, rebootTimeout) &&
			o.prober.WaitForAvailability(host, creds, pingTimeout, pingInterval, true) {
			log.Infof("host %s is back online after a hypervisor-level start", host.Name)
			return nil
		}
		detail := fmt.Sprintf("host did not become available within %s after reboot", pingTimeout)
		return revertOrFail(OutcomeFailedAvailability, detail)
	}

	log.Infof("host %s is back online after reboot", host.Name)
	return nil
}

func (o *Orchestrator) cleanupOldSnapshots(hv *HypervisorClient, mapping VMMapping, log *logrus.Entry) {
	retentionDays := o.updates.SnapshotRetentionDay
	if retentionDays <= 0 {
		retentionDays = 7
	}
	prefix := o.updates.SnapshotNamePrefix
	if prefix == "" {
		prefix = "pre-update"
	}

	snapshots, err := hv.ListSnapshots(mapping.Node, mapping.VMID)
	if err != nil {
		log.Warnf("failed to cleanup old snapshots for VM %d: %v", mapping.VMID, err)
		return
	}
	cutoff := timeNow().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	for _, snap := range snapshots {
		if !strings.HasPrefix(snap.Name, prefix+"-") {
			continue
		}
		snapTime, err := parseSnapshotTimestamp(snap.Name, prefix)
		if err != nil {
			log.Debugf("could not parse snapshot timestamp for %s: %v", snap.Name, err)
			continue
		}
		if snapTime.Before(cutoff) {
			log.Infof("deleting old snapshot %s for VM %d", snap.Name, mapping.VMID)
			if _, err := hv.DeleteSnapshot(mapping.Node, mapping.VMID, snap.Name); err != nil {
				log.Warnf("failed to delete snapshot %s: %v", snap.Name, err)
			}
		}
	}
}

func parseSnapshotTimestamp(name, prefix string) (time.Time, error) {
	rest := strings.TrimPrefix(name, prefix+"-")
	if rest == name {
		return time.Time{}, fmt.Errorf("snapshot %q missing prefix %q", name, prefix)
	}
	if len(rest) != len("20060102-150405") {
		return time.Time{}, fmt.Errorf("unexpected timestamp length in %q", name)
	}
	return time.Parse("20060102-150405", rest)
}

// timeNow exists so every timestamp in this file routes through one
// call site; tests substitute deterministic values by constructing
// reports directly rather than stubbing this.
func timeNow() time.Time {
	return time.Now()
}
