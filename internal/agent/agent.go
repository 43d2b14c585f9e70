// Package agent implements the commands an agent answers: host
// inventory and monitoring, power actions, shell commands and control of
// the screen-streaming engine.
package agent

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/avaropoint/netctl/internal/dispatch"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/stream"
)

// Options configures an Agent.
type Options struct {
	// StreamAddr is where start_rdp binds the stream listener.
	StreamAddr string
	// Stream is the template for every stream engine; Addr is ignored.
	Stream stream.Options

	Inventory   InventorySource
	Run         Runner
	ExecTimeout time.Duration
	// GOOS selects platform commands; tests override it.
	GOOS string
}

// Agent holds the state behind the command handlers.
type Agent struct {
	opts Options

	streamMu sync.Mutex
	engine   *stream.Engine
}

// New creates an agent with defaults filled in.
func New(opts Options) *Agent {
	if opts.StreamAddr == "" {
		opts.StreamAddr = stream.DefaultAddr
	}
	if opts.Inventory == nil {
		opts.Inventory = DefaultInventory
	}
	if opts.Run == nil {
		opts.Run = RunProcess
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = ExecTimeout
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	return &Agent{opts: opts}
}

// Register binds every agent command to d.
func (a *Agent) Register(d *dispatch.Dispatcher) {
	d.Register(protocol.CmdSystemInfo, a.handleSystemInfo)
	d.Register(protocol.CmdHardwareMonitor, a.handleHardwareMonitor)
	d.Register(protocol.CmdSoftwareInventory, a.handleSoftwareInventory)
	d.Register(protocol.CmdPowerManagement, a.handlePowerManagement)
	d.Register(protocol.CmdExecuteCommand, a.handleExecuteCommand)
	d.Register(protocol.CmdNetworkMonitor, a.handleNetworkMonitor)
	d.Register(protocol.CmdStartStream, a.handleStartStream)
	d.Register(protocol.CmdStopStream, a.handleStopStream)
	d.Register(protocol.CmdPing, handlePing)
}

// Close stops the stream server if one is running.
func (a *Agent) Close() {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	if a.engine != nil {
		a.engine.Stop()
		a.engine = nil
	}
}

func handlePing(context.Context, protocol.Params) (protocol.Result, error) {
	return protocol.Result{Message: "pong"}, nil
}
