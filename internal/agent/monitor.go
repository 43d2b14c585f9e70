package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// cpuSampleWindow is how long hardware_monitor measures CPU load.
const cpuSampleWindow = time.Second

// HardwareReport is the payload of hardware_monitor.
type HardwareReport struct {
	CPUPercent  float64                    `json:"cpu_percent"`
	MemoryUsage *mem.VirtualMemoryStat     `json:"memory_usage"`
	DiskUsage   map[string]*disk.UsageStat `json:"disk_usage"`
	NetworkIO   *gnet.IOCountersStat       `json:"network_io,omitempty"`
}

// NetworkReport is the payload of network_monitor.
type NetworkReport struct {
	Connections []gnet.ConnectionStat `json:"connections"`
	IOCounters  *gnet.IOCountersStat  `json:"io_counters,omitempty"`
}

func (a *Agent) handleHardwareMonitor(ctx context.Context, _ protocol.Params) (protocol.Result, error) {
	pct, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("memory usage: %w", err)
	}

	report := HardwareReport{MemoryUsage: vm, DiskUsage: map[string]*disk.UsageStat{}}
	if len(pct) > 0 {
		report.CPUPercent = pct[0]
	}

	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("disk partitions: %w", err)
	}
	for _, p := range parts {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			log.Printf("Could not access drive %s: %v", p.Mountpoint, err)
			continue
		}
		report.DiskUsage[p.Mountpoint] = usage
	}

	report.NetworkIO = totalIO(ctx)
	return protocol.Result{Data: report}, nil
}

func (a *Agent) handleNetworkMonitor(ctx context.Context, _ protocol.Params) (protocol.Result, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "all")
	if err != nil {
		return protocol.Result{}, fmt.Errorf("list connections: %w", err)
	}
	if conns == nil {
		conns = []gnet.ConnectionStat{}
	}
	return protocol.Result{Data: NetworkReport{Connections: conns, IOCounters: totalIO(ctx)}}, nil
}

func totalIO(ctx context.Context) *gnet.IOCountersStat {
	io, err := gnet.IOCountersWithContext(ctx, false)
	if err != nil || len(io) == 0 {
		return nil
	}
	return &io[0]
}
