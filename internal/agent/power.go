package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/avaropoint/netctl/internal/protocol"
)

// Power actions accepted by power_management.
const (
	PowerShutdown        = "shutdown"
	PowerRestart         = "restart"
	PowerLock            = "lock"
	PowerCancelScheduled = "cancel_scheduled"
)

var errInvalidDelay = errors.New("invalid shutdown time")

// powerCommand returns the argv for action on goos. delay is the optional
// shutdown delay in seconds; Unix shutdown takes whole minutes, rounded up.
func powerCommand(goos, action string, delay *int) ([]string, error) {
	if delay != nil && *delay <= 0 {
		return nil, errInvalidDelay
	}

	if goos == "windows" {
		switch action {
		case PowerShutdown:
			secs := 1
			if delay != nil {
				secs = *delay
			}
			return []string{"shutdown", "/s", "/t", strconv.Itoa(secs)}, nil
		case PowerRestart:
			return []string{"shutdown", "/r", "/t", "1"}, nil
		case PowerLock:
			return []string{"rundll32.exe", "user32.dll,LockWorkStation"}, nil
		case PowerCancelScheduled:
			return []string{"shutdown", "/a"}, nil
		}
		return nil, fmt.Errorf("unknown power action %q", action)
	}

	switch action {
	case PowerShutdown:
		when := "now"
		if delay != nil {
			when = "+" + strconv.Itoa((*delay+59)/60)
		}
		return []string{"shutdown", "-h", when}, nil
	case PowerRestart:
		return []string{"shutdown", "-r", "now"}, nil
	case PowerLock:
		if goos == "darwin" {
			return []string{"pmset", "displaysleepnow"}, nil
		}
		return []string{"loginctl", "lock-session"}, nil
	case PowerCancelScheduled:
		if goos == "darwin" {
			return []string{"killall", "shutdown"}, nil
		}
		return []string{"shutdown", "-c"}, nil
	}
	return nil, fmt.Errorf("unknown power action %q", action)
}

func (a *Agent) handlePowerManagement(ctx context.Context, p protocol.Params) (protocol.Result, error) {
	action := p.String("action", "")
	var delay *int
	if v, ok := p["seconds"]; ok && v != nil {
		n := p.Int("seconds", 0)
		delay = &n
	}

	argv, err := powerCommand(a.opts.GOOS, action, delay)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("failed to execute power action: %w", err)
	}
	log.Printf("Power action %s: %v", action, argv)
	if _, _, code, err := a.opts.Run(ctx, argv[0], argv[1:]...); err != nil {
		return protocol.Result{}, fmt.Errorf("failed to execute power action: %w", err)
	} else if code != 0 {
		return protocol.Result{}, fmt.Errorf("failed to execute power action: %s exited with %d", argv[0], code)
	}
	return protocol.Result{Message: fmt.Sprintf("Power management action %s initiated successfully", action)}, nil
}
