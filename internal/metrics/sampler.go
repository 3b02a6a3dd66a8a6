/*
 * Package metrics collects host-level samples and a capped history of mesh
 * activity, with periodic aggregation into rollups for the status API.
 */
package metrics

import (
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/driftmesh/driftmesh/pkg/debug"
)

// HostSample is one point-in-time host reading.
type HostSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
}

// SampleHost reads current CPU and memory usage. Probe failures degrade to
// zero values rather than erroring; a mesh node keeps running blind.
func SampleHost() HostSample {
	sample := HostSample{Timestamp: time.Now().UTC()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	} else if err != nil {
		debug.Debug("CPU probe failed: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryUsed = vm.Used
		sample.MemoryTotal = vm.Total
	} else {
		debug.Debug("Memory probe failed: %v", err)
	}

	return sample
}
