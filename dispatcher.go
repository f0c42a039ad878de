package main

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// inFlightHostPasses tracks concurrent host passes so the bound on
// parallelism is independently observable (spec.md §8's "max concurrent
// remote shells" scenario), not just asserted from the dispatcher's own
// bookkeeping.
var inFlightHostPasses = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "patchflow_inflight_host_passes",
	Help: "Number of host update passes currently in flight.",
})

func init() {
	prometheus.MustRegister(inFlightHostPasses)
}

// Dispatcher fans a slice of hosts out across bounded concurrency (C8).
// Every host appears exactly once in the result, at the same index it has
// in the input slice; the configured timeout is passed to each host pass
// as its SSH connect timeout, and a slow or hung host is never cancelled
// out from under the others (spec.md §4.8).
type Dispatcher struct {
	parallel int64
	timeout  time.Duration
	log      *logrus.Logger
}

func NewDispatcher(parallel int, timeout time.Duration, log *logrus.Logger) *Dispatcher {
	if parallel < 1 {
		parallel = 1
	}
	return &Dispatcher{parallel: int64(parallel), timeout: timeout, log: log}
}

// RunChecks runs orch.CheckHost over every host with bounded concurrency.
func (d *Dispatcher) RunChecks(hosts []Host, orch *Orchestrator) []UpdateReport {
	results := make([]UpdateReport, len(hosts))
	d.run(len(hosts), func(i int) {
		results[i] = orch.CheckHost(hosts[i], d.timeout)
	})
	return results
}

// RunUpdates runs orch.ProcessHost over every host with bounded
// concurrency. The second return value is every host ProcessHost ran
// without a VM mapping, the configuration warning spec.md §4.6/§6
// requires the reporter to carry alongside the per-host reports.
func (d *Dispatcher) RunUpdates(hosts []Host, orch *Orchestrator) ([]AutomatedUpdateReport, []string) {
	results := make([]AutomatedUpdateReport, len(hosts))
	d.run(len(hosts), func(i int) {
		results[i] = orch.ProcessHost(hosts[i], d.timeout)
	})
	return results, orch.UnmappedHosts()
}

func (d *Dispatcher) run(n int, work func(i int)) {
	sem := semaphore.NewWeighted(d.parallel)
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			d.log.Errorf("dispatcher: acquire semaphore: %v", err)
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)

			inFlightHostPasses.Inc()
			defer inFlightHostPasses.Dec()

			work(i)
		}(i)
	}
	wg.Wait()
}
