package main

import (
	"fmt"
	"strings"
	"time"
)

// UpdateReport is the per-host result of a check pass: OS info, the
// updates found, and an error if the pass couldn't complete (spec.md
// §4.7). Email transport/formatting of this into an HTML report is an
// external collaborator and out of scope here (spec.md §1); this type
// only carries the data such a collaborator would need.
type UpdateReport struct {
	Host          Host
	OSInfo        *OSInfo
	Updates       []PackageUpdate
	Error         string
	CommandOutput string
	Timestamp     time.Time
}

func (r UpdateReport) HasUpdates() bool {
	return len(r.Updates) > 0
}

func (r UpdateReport) HasSecurityUpdates() bool {
	for _, u := range r.Updates {
		if u.Security {
			return true
		}
	}
	return false
}

func (r UpdateReport) SecurityUpdates() []PackageUpdate {
	var out []PackageUpdate
	for _, u := range r.Updates {
		if u.Security {
			out = append(out, u)
		}
	}
	return out
}

func (r UpdateReport) RegularUpdates() []PackageUpdate {
	var out []PackageUpdate
	for _, u := range r.Updates {
		if !u.Security {
			out = append(out, u)
		}
	}
	return out
}

// UpdateOutcome is the terminal state an automated host pass lands in
// (spec.md §4.7).
type UpdateOutcome string

const (
	OutcomeSuccess            UpdateOutcome = "success"
	OutcomeOptOut             UpdateOutcome = "opt_out"
	OutcomeNoUpdates          UpdateOutcome = "no_updates"
	OutcomeFailedSnapshot     UpdateOutcome = "failed_snapshot"
	OutcomeFailedUpdates      UpdateOutcome = "failed_updates"
	OutcomeFailedReboot       UpdateOutcome = "failed_reboot"
	OutcomeFailedAvailability UpdateOutcome = "failed_availability"
	OutcomeReverted           UpdateOutcome = "reverted"
	OutcomeRevertFailed       UpdateOutcome = "revert_failed"
)

// AutomatedUpdateReport is the full record of one host's pass through
// the orchestrator (C7), combining the plain check result with the
// outcome of whatever snapshot/apply/reboot steps were attempted.
type AutomatedUpdateReport struct {
	Host         Host
	VMMapping    *VMMapping
	UpdateReport UpdateReport
	Outcome      UpdateOutcome
	SnapshotName string
	ErrorDetails string
	StartTime    time.Time
	EndTime      time.Time
}

// outcomeSeverity orders outcomes for the summary report: the outcomes
// that demand immediate operator attention sort first.
var outcomeSeverity = map[UpdateOutcome]int{
	OutcomeRevertFailed:       0,
	OutcomeReverted:           1,
	OutcomeFailedAvailability: 2,
	OutcomeFailedReboot:       2,
	OutcomeFailedUpdates:      2,
	OutcomeFailedSnapshot:     2,
	OutcomeOptOut:             3,
	OutcomeSuccess:            4,
	OutcomeNoUpdates:          5,
}

// FormatSummary renders a plain-text run summary grouped by severity,
// most critical outcomes first, followed by the configuration warning
// for any host that was processed without a VM mapping (spec.md §4.6,
// §6). This is the text companion to whatever HTML report an external
// email collaborator builds from the same data.
func FormatSummary(reports []AutomatedUpdateReport, unmappedHosts []string) string {
	sorted := make([]AutomatedUpdateReport, len(reports))
	copy(sorted, reports)
	sortBySeverity(sorted)

	var b strings.Builder
	fmt.Fprintf(&b, "SUMMARY: %d hosts processed\n", len(reports))

	counts := map[UpdateOutcome]int{}
	for _, r := range reports {
		counts[r.Outcome]++
	}
	for _, outcome := range []UpdateOutcome{
		OutcomeRevertFailed, OutcomeFailedAvailability, OutcomeFailedReboot,
		OutcomeFailedUpdates, OutcomeFailedSnapshot, OutcomeReverted,
		OutcomeOptOut, OutcomeSuccess, OutcomeNoUpdates,
	} {
		if counts[outcome] > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", outcome, counts[outcome])
		}
	}
	b.WriteString("\n")

	for _, r := range sorted {
		fmt.Fprintf(&b, "%s [%s]", r.Host.Name, r.Outcome)
		if r.SnapshotName != "" {
			fmt.Fprintf(&b, " snapshot=%s", r.SnapshotName)
		}
		if r.ErrorDetails != "" {
			fmt.Fprintf(&b, " - %s", r.ErrorDetails)
		}
		b.WriteString("\n")
		for _, u := range r.UpdateReport.Updates {
			fmt.Fprintf(&b, "    %s\n", u.String())
		}
	}

	if len(unmappedHosts) > 0 {
		fmt.Fprintf(&b, "\nCONFIGURATION WARNING: %d host(s) processed without a VM mapping (snapshots disabled):\n", len(unmappedHosts))
		for _, name := range unmappedHosts {
			fmt.Fprintf(&b, "  - %s\n", name)
		}
	}
	return b.String()
}

func sortBySeverity(reports []AutomatedUpdateReport) {
	for i := 1; i < len(reports); i++ {
		for j := i; j > 0 && outcomeSeverity[reports[j-1].Outcome] > outcomeSeverity[reports[j].Outcome]; j-- {
			reports[j-1], reports[j] = reports[j], reports[j-1]
		}
	}
}
