package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	backendRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the backend process.",
		}, []string{"server"},
	)
	backendCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "cpu_percent",
			Help:      "CPU usage of the backend process since it started.",
		}, []string{"server"},
	)
)

// Usage is a point-in-time resource sample of one backend process.
type Usage struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
}

// SampleProcess reads resource usage of pid through gopsutil and, when
// metrics are registered, publishes it under server.
func SampleProcess(server string, pid int) (Usage, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: p.Pid}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		u.MemoryRSS = mem.RSS
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if regOK.Load() {
		backendRSS.WithLabelValues(server).Set(float64(u.MemoryRSS))
		backendCPU.WithLabelValues(server).Set(u.CPUPercent)
	}
	return u, nil
}

// ClearProcess removes the resource gauges of a backend that is not running.
func ClearProcess(server string) {
	if regOK.Load() {
		backendRSS.DeleteLabelValues(server)
		backendCPU.DeleteLabelValues(server)
	}
}
