package agent

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jmylchreest/fetcharr/pkg/encoderwire"
)

// StatsCollector samples host utilization for the dispatcher's worker view.
type StatsCollector struct {
	hostname string
	diskPath string
}

// NewStatsCollector captures the hostname once and samples disk usage of
// the working directory, which is where encode outputs stage.
func NewStatsCollector() *StatsCollector {
	hostname, _ := os.Hostname()
	diskPath, err := os.Getwd()
	if err != nil {
		diskPath = "/"
	}
	return &StatsCollector{
		hostname: hostname,
		diskPath: diskPath,
	}
}

// Collect gathers a best-effort snapshot. Probes that fail leave their
// fields zero rather than failing the sample.
func (c *StatsCollector) Collect(ctx context.Context) *encoderwire.SystemStats {
	stats := &encoderwire.SystemStats{
		Hostname: c.hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPUCores: runtime.NumCPU(),
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = uptime
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.LoadAvg1m = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryTotal = vm.Total
		stats.MemoryUsed = vm.Used
		stats.MemoryPercent = vm.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		stats.DiskTotal = usage.Total
		stats.DiskFree = usage.Free
	}

	return stats
}
