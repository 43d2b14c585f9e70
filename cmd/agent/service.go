package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	svc "github.com/kardianos/service"

	"github.com/avaropoint/netctl/internal/config"
)

// program adapts run to the service manager's start/stop callbacks.
type program struct {
	cfg config.AgentConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		if err := run(ctx, p.cfg); err != nil {
			log.Printf("Agent: %v", err)
		}
	}()
	return nil
}

func (p *program) Stop(svc.Service) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// serviceConfig describes the agent to the platform service manager. The
// installed service runs "-service run" with the same config file.
func serviceConfig(name, configPath string) *svc.Config {
	args := []string{"-service", "run"}
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
		args = append(args, "-config", configPath)
	}
	return &svc.Config{
		Name:        name,
		DisplayName: name,
		Description: "netctl remote administration agent",
		Arguments:   args,
		Option: svc.KeyValue{
			"Restart":   "on-failure",
			"RunAtLoad": true,
			"StartType": "automatic",
		},
	}
}

func handleServiceCmd(cmd, name, configPath string, cfg config.AgentConfig) error {
	s, err := svc.New(&program{cfg: cfg}, serviceConfig(name, configPath))
	if err != nil {
		return err
	}
	switch strings.ToLower(cmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}
