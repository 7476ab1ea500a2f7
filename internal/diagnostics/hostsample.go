package diagnostics

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSample is a single point-in-time CPU/memory reading.
type HostSample struct {
	CPUPercent float64 `json:"cpuPercent"`
	RAMPercent float64 `json:"ramPercent"`
	RAMUsedMB  uint64  `json:"ramUsedMb"`
}

// Sample reads current CPU and memory utilization via gopsutil. It never
// runs on the pipeline's hot path — only from the diagnostics ticker.
func Sample() (*HostSample, error) {
	hs := &HostSample{}

	pct, err := cpu.Percent(0, false)
	if err != nil {
		return nil, err
	}
	if len(pct) > 0 {
		hs.CPUPercent = pct[0]
	}

	vmem, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	hs.RAMPercent = vmem.UsedPercent
	hs.RAMUsedMB = vmem.Used / 1024 / 1024

	return hs, nil
}
