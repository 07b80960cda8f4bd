// Package metrics exposes hub runtime counters on a Prometheus endpoint and
// samples the hub process's own resource usage for the operator console's
// status command.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Collector is the concrete, wired implementation of the hub's metrics
// surface: connected agents, command outcomes by kind, transfer byte
// counts, and the deferred-queue depth.
type Collector struct {
	ConnectedAgents prometheus.Gauge
	CommandsTotal   *prometheus.CounterVec
	TransferBytes   *prometheus.CounterVec
	DeferredDepth   prometheus.Gauge

	registry *prometheus.Registry
}

// NewCollector builds a Collector registered against a fresh registry (kept
// private to the hub process rather than the global default registry, so
// multiple hubs in one test binary don't collide).
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetfabric_connected_agents",
			Help: "Number of agents currently connected to the hub.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetfabric_commands_total",
			Help: "Commands dispatched, partitioned by kind and outcome.",
		}, []string{"kind", "outcome"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetfabric_transfer_bytes_total",
			Help: "Bytes transferred, partitioned by direction.",
		}, []string{"direction"}),
		DeferredDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetfabric_deferred_queue_depth",
			Help: "Number of active deferred-command records.",
		}),
		registry: reg,
	}
	reg.MustRegister(c.ConnectedAgents, c.CommandsTotal, c.TransferBytes, c.DeferredDepth)
	return c
}

// RecordCommand implements the hub's command-outcome hook.
func (c *Collector) RecordCommand(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.CommandsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordCommandTimeout implements the hub's timeout hook.
func (c *Collector) RecordCommandTimeout(kind string) {
	c.CommandsTotal.WithLabelValues(kind, "timeout").Inc()
}

// RecordTransfer implements the hub's transfer-byte-count hook.
func (c *Collector) RecordTransfer(direction string, n int64) {
	c.TransferBytes.WithLabelValues(direction).Add(float64(n))
}

// Serve starts the /metrics HTTP endpoint on addr and blocks until the
// listener errors (typically on hub shutdown). Call it in its own goroutine.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}

// HostStats is a snapshot of the hub process's own resource usage, surfaced
// through the operator console's "status" command.
type HostStats struct {
	CPUPercent float64
	RSSBytes   uint64
}

// SampleHost reads the current process's CPU and memory usage.
func SampleHost() (HostStats, error) {
	var stats HostStats

	proc, err := process.NewProcess(int32(currentPID()))
	if err != nil {
		return stats, err
	}
	if pct, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = pct
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats, nil
}
