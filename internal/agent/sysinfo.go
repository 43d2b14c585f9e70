package agent

import (
	"context"
	"net"
	"os"
	"os/user"
	"runtime"

	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/version"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo holds everything we can discover about the host. It is
// the payload of system_info and is logged when a controller connects.
type SystemInfo struct {
	Hostname       string   `json:"hostname"`
	OS             string   `json:"os"`
	OSVersion      string   `json:"os_version"`
	Platform       string   `json:"platform"`
	Arch           string   `json:"arch"`
	CPUCount       int      `json:"cpu_count"`
	TotalMemory    uint64   `json:"total_memory"`
	DiskPartitions []string `json:"disk_partitions"`
	LocalIPs       []string `json:"local_ips"`
	Username       string   `json:"username"`
	UptimeSeconds  uint64   `json:"uptime_seconds"`
	AgentVersion   string   `json:"agent_version"`
}

// CollectSystemInfo gathers host details. Fields that cannot be read are
// left empty rather than failing the whole snapshot.
func CollectSystemInfo(ctx context.Context) SystemInfo {
	info := SystemInfo{
		Hostname:     getHostname(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		CPUCount:     runtime.NumCPU(),
		LocalIPs:     collectLocalIPs(),
		AgentVersion: version.Version,
	}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.OSVersion = h.PlatformVersion
		if h.KernelVersion != "" && info.OSVersion == "" {
			info.OSVersion = h.KernelVersion
		}
		info.Platform = h.Platform
		info.UptimeSeconds = h.Uptime
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.CPUCount = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemory = vm.Total
	}
	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range parts {
			info.DiskPartitions = append(info.DiskPartitions, p.Mountpoint)
		}
	}
	if u, err := user.Current(); err == nil {
		info.Username = u.Username
	}
	return info
}

func (a *Agent) handleSystemInfo(ctx context.Context, _ protocol.Params) (protocol.Result, error) {
	return protocol.Result{Data: CollectSystemInfo(ctx)}, nil
}

// collectLocalIPs returns all non-loopback unicast IPv4/IPv6 addresses.
func collectLocalIPs() []string {
	var ips []string
	ifaces, err := net.Interfaces()
	if err != nil {
		return ips
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ip := extractIP(addr); ip != "" {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}

// extractIP returns the string form of a non-loopback, non-link-local address.
func extractIP(addr net.Addr) string {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return ""
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return ""
	}
	return ip.String()
}

// getHostname returns the system hostname or "unknown".
func getHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
