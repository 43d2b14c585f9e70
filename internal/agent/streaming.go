package agent

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/stream"
)

// StreamInfo is the payload of start_rdp: where viewers connect.
type StreamInfo struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// handleStartStream starts a stream server, stopping any running one
// first so that the port is free.
func (a *Agent) handleStartStream(_ context.Context, _ protocol.Params) (protocol.Result, error) {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()

	if a.engine != nil {
		log.Println("Stopping existing stream server before starting a new one")
		a.engine.Stop()
		a.engine = nil
	}

	opts := a.opts.Stream
	opts.Addr = a.opts.StreamAddr
	e := stream.NewEngine(opts)
	addr, err := e.Start()
	if err != nil {
		return protocol.Result{}, fmt.Errorf("failed to start stream server: %w", err)
	}
	a.engine = e

	info := StreamInfo{IP: "127.0.0.1"}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		info.Port = tcp.Port
		info.IP = advertiseIP(tcp.IP)
	}
	return protocol.Result{Data: info}, nil
}

func (a *Agent) handleStopStream(_ context.Context, _ protocol.Params) (protocol.Result, error) {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()

	if a.engine == nil || !a.engine.Stop() {
		a.engine = nil
		return protocol.Result{Message: "No stream server was running"}, nil
	}
	a.engine = nil
	return protocol.Result{Message: "Stream server stopped successfully"}, nil
}

// StreamRunning reports whether a stream server is active.
func (a *Agent) StreamRunning() bool {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	return a.engine != nil && a.engine.Running()
}

// advertiseIP picks the address a controller should dial for a listener
// bound to ip.
func advertiseIP(ip net.IP) string {
	if ip != nil && !ip.IsUnspecified() {
		return ip.String()
	}
	for _, s := range collectLocalIPs() {
		if parsed := net.ParseIP(s); parsed != nil && parsed.To4() != nil {
			return s
		}
	}
	return "127.0.0.1"
}
