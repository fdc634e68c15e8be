package api

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostInfo describes the machine the Master runs on.
type HostInfo struct {
	OS         string   `json:"os"`
	CPUs       int      `json:"cpus"`
	Load1      *float64 `json:"load1,omitempty"`
	MemTotal   uint64   `json:"mem_total,omitempty"`
	MemUsedPct float64  `json:"mem_used_percent,omitempty"`
	Goroutines int      `json:"goroutines"`
}

// CollectHost samples host statistics. Probes that fail on the current
// platform are left empty.
func CollectHost() *HostInfo {
	hi := &HostInfo{OS: runtime.GOOS, CPUs: runtime.NumCPU(), Goroutines: runtime.NumGoroutine()}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		hi.CPUs = n
	}
	if avg, err := load.Avg(); err == nil {
		l := avg.Load1
		hi.Load1 = &l
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hi.MemTotal = vm.Total
		hi.MemUsedPct = vm.UsedPercent
	}
	return hi
}
