// Package sysinfo exposes the small slice of host and process
// telemetry the annotation service actually reports: a host snapshot
// for the façade's status stream and a per-pid resource snapshot
// attached to worker status reads.
package sysinfo

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostSnapshot is the host-level view pushed with every WebSocket
// full-state frame.
type HostSnapshot struct {
	Hostname      string  `json:"hostname"`
	OSName        string  `json:"os_name"`
	Architecture  string  `json:"architecture"`
	CPUCount      int     `json:"cpu_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	TotalMemory   uint64  `json:"total_memory"`
	UsedMemory    uint64  `json:"used_memory"`
	MemoryPercent float64 `json:"memory_percent"`
	Load1         float64 `json:"load_1"`
	Load5         float64 `json:"load_5"`
	Load15        float64 `json:"load_15"`
	Uptime        uint64  `json:"uptime_seconds"`
}

// Host collects a HostSnapshot. Individual probe failures degrade to
// zero values rather than failing the whole snapshot; the status
// stream should not go dark because one gopsutil backend is missing.
func Host() HostSnapshot {
	snap := HostSnapshot{
		Architecture: runtime.GOARCH,
		CPUCount:     runtime.NumCPU(),
	}
	if hInfo, err := host.Info(); err == nil {
		snap.Hostname = hInfo.Hostname
		snap.OSName = hInfo.OS
		snap.Uptime = hInfo.Uptime
	}
	if vMem, err := mem.VirtualMemory(); err == nil {
		snap.TotalMemory = vMem.Total
		snap.UsedMemory = vMem.Used
		snap.MemoryPercent = vMem.UsedPercent
	}
	if lAvg, err := load.Avg(); err == nil {
		snap.Load1 = lAvg.Load1
		snap.Load5 = lAvg.Load5
		snap.Load15 = lAvg.Load15
	}
	// Non-blocking sample: percent since the previous call, not a
	// fresh 500ms measurement window per request.
	if usages, err := cpu.Percent(0, false); err == nil && len(usages) > 0 {
		snap.CPUPercent = usages[0]
	}
	return snap
}

// ProcessSnapshot is the per-worker resource view joined into
// get_worker_status for a live pid.
type ProcessSnapshot struct {
	Pid           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSS     uint64  `json:"memory_rss"`
	MemoryPercent float32 `json:"memory_percent"`
	NumThreads    int32   `json:"num_threads"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Process collects a ProcessSnapshot for pid, returning false if the
// process does not exist or cannot be inspected.
func Process(pid int) (ProcessSnapshot, bool) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessSnapshot{}, false
	}
	snap := ProcessSnapshot{Pid: pid}
	if cpuPct, err := p.CPUPercent(); err == nil {
		snap.CPUPercent = cpuPct
	}
	if memInfo, err := p.MemoryInfo(); err == nil && memInfo != nil {
		snap.MemoryRSS = memInfo.RSS
	}
	if memPct, err := p.MemoryPercent(); err == nil {
		snap.MemoryPercent = memPct
	}
	if threads, err := p.NumThreads(); err == nil {
		snap.NumThreads = threads
	}
	if created, err := p.CreateTime(); err == nil && created > 0 {
		snap.UptimeSeconds = int64(time.Since(time.UnixMilli(created)).Seconds())
	}
	return snap, true
}
