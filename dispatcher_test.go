package main

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// concurrencyTracker records the high-water mark of concurrently active
// host passes, so the dispatcher's bound can be verified independently
// of the prometheus gauge it also updates.
type concurrencyTracker struct {
	mu      sync.Mutex
	current int
	max     int
}

func (c *concurrencyTracker) enter() {
	c.mu.Lock()
	c.current++
	if c.current > c.max {
		c.max = c.current
	}
	c.mu.Unlock()
}

func (c *concurrencyTracker) leave() {
	c.mu.Lock()
	c.current--
	c.mu.Unlock()
}

// trackingSlowShell holds itself open across Connect/Close so overlapping
// host passes are observable, and answers every command as not found so
// DetectOS fails and every pass ends early without needing a scripted
// fixture per host.
type trackingSlowShell struct {
	tracker *concurrencyTracker
}

func (s *trackingSlowShell) Connect(string, int, Credentials, time.Duration) error {
	s.tracker.enter()
	time.Sleep(30 * time.Millisecond)
	return nil
}

func (s *trackingSlowShell) Run(cmd string, timeout time.Duration) (int, string, string) {
	return 127, "", "command not found: " + cmd
}

func (s *trackingSlowShell) Close() error {
	s.tracker.leave()
	return nil
}

func testDispatcherOrchestrator(tracker *concurrencyTracker) *Orchestrator {
	log := logrus.New()
	log.Out = io.Discard
	o := NewOrchestrator(&Config{}, nil, log)
	o.newShell = func() RemoteShell { return &trackingSlowShell{tracker: tracker} }
	return o
}

func TestRunChecksBoundsConcurrency(t *testing.T) {
	const parallel = 2
	tracker := &concurrencyTracker{}
	orch := testDispatcherOrchestrator(tracker)

	hosts := make([]Host, 8)
	for i := range hosts {
		hosts[i] = Host{Name: fmt.Sprintf("host%d", i), Hostname: fmt.Sprintf("10.0.0.%d", i), Port: 22}
	}

	log := logrus.New()
	log.Out = io.Discard
	d := NewDispatcher(parallel, time.Second, log)

	d.RunChecks(hosts, orch)

	assert.LessOrEqual(t, tracker.max, parallel, "dispatcher exceeded its concurrency bound")
	assert.GreaterOrEqual(t, tracker.max, 2, "expected the dispatcher to actually overlap host passes")
}

func TestRunChecksCoversEveryHostExactlyOnce(t *testing.T) {
	tracker := &concurrencyTracker{}
	orch := testDispatcherOrchestrator(tracker)

	hosts := []Host{
		{Name: "web1", Hostname: "10.0.0.1", Port: 22},
		{Name: "web2", Hostname: "10.0.0.2", Port: 22},
		{Name: "db1", Hostname: "10.0.0.3", Port: 22},
	}

	log := logrus.New()
	log.Out = io.Discard
	d := NewDispatcher(4, time.Second, log)

	results := d.RunChecks(hosts, orch)
	if len(results) != len(hosts) {
		t.Fatalf("expected %d results, got %d", len(hosts), len(results))
	}
	for i, r := range results {
		if r.Host.Name != hosts[i].Name {
			t.Errorf("result %d: expected host %q, got %q", i, hosts[i].Name, r.Host.Name)
		}
	}
}

func TestDispatcherClampsParallelToAtLeastOne(t *testing.T) {
	log := logrus.New()
	log.Out = io.Discard
	d := NewDispatcher(0, time.Second, log)
	if d.parallel != 1 {
		t.Errorf("expected parallel to be clamped to 1, got %d", d.parallel)
	}
	d = NewDispatcher(-5, time.Second, log)
	if d.parallel != 1 {
		t.Errorf("expected negative parallel to be clamped to 1, got %d", d.parallel)
	}
}

func TestRunUpdatesCoversEveryHost(t *testing.T) {
	tracker := &concurrencyTracker{}
	orch := testDispatcherOrchestrator(tracker)

	hosts := []Host{
		{Name: "web1", Hostname: "10.0.0.1", Port: 22},
		{Name: "web2", Hostname: "10.0.0.2", Port: 22},
	}

	log := logrus.New()
	log.Out = io.Discard
	d := NewDispatcher(2, time.Second, log)

	results, _ := d.RunUpdates(hosts, orch)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Outcome != OutcomeFailedUpdates {
			t.Errorf("expected failed OS detection to fail the pass, got outcome %q", r.Outcome)
		}
	}
}

func TestRunUpdatesSurfacesUnmappedHosts(t *testing.T) {
	tracker := &concurrencyTracker{}
	log := logrus.New()
	log.Out = io.Discard

	reg, err := LoadVMRegistry("")
	if err != nil {
		t.Fatalf("LoadVMRegistry: %v", err)
	}
	orch := NewOrchestrator(&Config{}, reg, log)
	orch.newShell = func() RemoteShell { return &trackingSlowShell{tracker: tracker} }

	hosts := []Host{
		{Name: "web1", Hostname: "10.0.0.1", Port: 22},
		{Name: "web2", Hostname: "10.0.0.2", Port: 22},
	}

	d := NewDispatcher(2, time.Second, log)
	_, unmapped := d.RunUpdates(hosts, orch)

	if len(unmapped) != 2 || unmapped[0] != "web1" || unmapped[1] != "web2" {
		t.Errorf("expected both hosts surfaced as unmapped, got %v", unmapped)
	}
}
