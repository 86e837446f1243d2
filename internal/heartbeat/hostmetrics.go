package heartbeat

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// GopsutilHostMetrics collects host resource utilization using gopsutil —
// the real implementation of the CPU/mem/disk percentages the teacher's
// internal/metrics package stubbed out with zeros pending this wiring, plus
// the 1/5/15-minute load averages.
type GopsutilHostMetrics struct {
	// DiskPath is the mount point disk usage is sampled from, e.g. "/".
	DiskPath string
	logger   *zap.Logger
}

// NewGopsutilHostMetrics constructs a GopsutilHostMetrics sampling diskPath
// for disk usage (commonly "/").
func NewGopsutilHostMetrics(diskPath string, logger *zap.Logger) *GopsutilHostMetrics {
	return &GopsutilHostMetrics{DiskPath: diskPath, logger: logger}
}

// Collect returns a snapshot of current host resource usage: CPU, memory and
// disk as percentages (0-100), and load1/load5/load15 as raw load averages.
// A metric that fails to sample is omitted rather than reported as a
// misleading zero.
func (g *GopsutilHostMetrics) Collect(ctx context.Context) map[string]any {
	out := make(map[string]any, 3)

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		g.logWarn("cpu percent", err)
	} else if len(pct) > 0 {
		out["cpu_percent"] = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		g.logWarn("memory", err)
	} else {
		out["mem_percent"] = vm.UsedPercent
	}

	path := g.DiskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.UsageWithContext(ctx, path); err != nil {
		g.logWarn("disk usage", err)
	} else {
		out["disk_percent"] = du.UsedPercent
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		g.logWarn("load average", err)
	} else {
		out["load1"] = avg.Load1
		out["load5"] = avg.Load5
		out["load15"] = avg.Load15
	}

	return out
}

func (g *GopsutilHostMetrics) logWarn(metric string, err error) {
	if g.logger != nil {
		g.logger.Warn("failed to collect host metric", zap.String("metric", metric), zap.Error(err))
	}
}
