package hostinfo

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Info describes the machine a comparison ran on
type Info struct {
	OS            string `json:"os" yaml:"os"`
	Arch          string `json:"arch" yaml:"arch"`
	CPUModel      string `json:"cpu_model" yaml:"cpu_model"`
	CPUThreads    int    `json:"cpu_threads" yaml:"cpu_threads"`
	MemTotalBytes uint64 `json:"mem_total_bytes,omitempty" yaml:"mem_total_bytes,omitempty"`
	MemAvailBytes uint64 `json:"mem_available_bytes,omitempty" yaml:"mem_available_bytes,omitempty"`
	GoMaxProcs    int    `json:"gomaxprocs" yaml:"gomaxprocs"`
}

// Detect collects host information. Fields gopsutil cannot read keep their
// runtime defaults.
func Detect(ctx context.Context) Info {
	info := Info{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUModel:   "Unknown",
		CPUThreads: runtime.NumCPU(),
		GoMaxProcs: runtime.GOMAXPROCS(0),
	}

	if stats, err := cpu.InfoWithContext(ctx); err == nil && len(stats) > 0 && stats[0].ModelName != "" {
		info.CPUModel = stats[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.CPUThreads = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemTotalBytes = vm.Total
		info.MemAvailBytes = vm.Available
	}

	return info
}
