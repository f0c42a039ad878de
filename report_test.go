package main

import (
	"strings"
	"testing"
)

func TestUpdateReportDerivedFields(t *testing.T) {
	r := UpdateReport{
		Updates: []PackageUpdate{
			{Name: "curl", Security: true},
			{Name: "vim", Security: false},
		},
	}

	if !r.HasUpdates() {
		t.Error("expected HasUpdates to be true")
	}
	if !r.HasSecurityUpdates() {
		t.Error("expected HasSecurityUpdates to be true")
	}
	if len(r.SecurityUpdates()) != 1 || r.SecurityUpdates()[0].Name != "curl" {
		t.Errorf("unexpected security updates: %+v", r.SecurityUpdates())
	}
	if len(r.RegularUpdates()) != 1 || r.RegularUpdates()[0].Name != "vim" {
		t.Errorf("unexpected regular updates: %+v", r.RegularUpdates())
	}
}

func TestUpdateReportNoUpdates(t *testing.T) {
	r := UpdateReport{}
	if r.HasUpdates() || r.HasSecurityUpdates() {
		t.Error("expected empty report to report no updates")
	}
}

func TestFormatSummaryOrdersBySeverity(t *testing.T) {
	reports := []AutomatedUpdateReport{
		{Host: Host{Name: "a"}, Outcome: OutcomeSuccess},
		{Host: Host{Name: "b"}, Outcome: OutcomeRevertFailed, ErrorDetails: "disk full"},
		{Host: Host{Name: "c"}, Outcome: OutcomeNoUpdates},
		{Host: Host{Name: "d"}, Outcome: OutcomeFailedReboot},
	}

	summary := FormatSummary(reports, nil)

	posB := strings.Index(summary, "b [revert_failed]")
	posD := strings.Index(summary, "d [failed_reboot]")
	posA := strings.Index(summary, "a [success]")
	posC := strings.Index(summary, "c [no_updates]")

	if posB == -1 || posD == -1 || posA == -1 || posC == -1 {
		t.Fatalf("expected all hosts to appear in summary:\n%s", summary)
	}
	if !(posB < posD && posD < posA && posA < posC) {
		t.Errorf("expected severity ordering revert_failed < failed_reboot < success < no_updates, got:\n%s", summary)
	}
}

func TestFormatSummarySurfacesUnmappedHosts(t *testing.T) {
	reports := []AutomatedUpdateReport{
		{Host: Host{Name: "web1"}, Outcome: OutcomeSuccess},
	}

	summary := FormatSummary(reports, []string{"web1", "db2"})

	if !strings.Contains(summary, "CONFIGURATION WARNING") {
		t.Errorf("expected unmapped hosts to be surfaced as a configuration warning, got:\n%s", summary)
	}
	if !strings.Contains(summary, "web1") || !strings.Contains(summary, "db2") {
		t.Errorf("expected both unmapped host names in summary, got:\n%s", summary)
	}
}

func TestFormatSummaryOmitsWarningWhenNoUnmappedHosts(t *testing.T) {
	reports := []AutomatedUpdateReport{{Host: Host{Name: "web1"}, Outcome: OutcomeSuccess}}

	summary := FormatSummary(reports, nil)

	if strings.Contains(summary, "CONFIGURATION WARNING") {
		t.Errorf("expected no configuration warning when every host is mapped, got:\n%s", summary)
	}
}
