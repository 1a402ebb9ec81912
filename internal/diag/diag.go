// Package diag reports the relay's own health for the /api/health
// endpoint: host load, process memory, and a per-connection summary.
package diag

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tmpanel/relay/internal/registry"
)

var startedAt = time.Now()

type Report struct {
	UptimeSeconds   int64             `json:"uptimeSeconds"`
	Goroutines      int               `json:"goroutines"`
	HostCPUPercent  float64           `json:"hostCpuPercent,omitempty"`
	HostMemPercent  float64           `json:"hostMemPercent,omitempty"`
	ProcessRSSBytes uint64            `json:"processRssBytes,omitempty"`
	Connections     []registry.Status `json:"connections"`
}

// Collect gathers a health report. Host metrics are best-effort: a probe
// failure leaves the field zero rather than failing the endpoint.
func Collect(connections []registry.Status) Report {
	r := Report{
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		Connections:   connections,
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		r.HostCPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.HostMemPercent = vm.UsedPercent
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			r.ProcessRSSBytes = info.RSS
		}
	}

	return r
}
