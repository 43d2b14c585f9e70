// Command agent runs on a managed host. It answers controller commands on
// the session port and serves the screen stream on demand.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/avaropoint/netctl/internal/config"
	"github.com/avaropoint/netctl/internal/logging"
	"github.com/avaropoint/netctl/internal/version"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "Configuration file (.yaml, .yml or .json)")
	listen := flag.String("listen", "", "Command listen address (overrides config)")
	streamAddr := flag.String("stream", "", "Stream listen address (overrides config)")
	metricsAddr := flag.String("metrics", "", "Metrics listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	svcCmd := flag.String("service", "", "Service control: install|uninstall|start|stop|run")
	svcName := flag.String("svcname", "NetctlAgent", "Service name")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *streamAddr != "" {
		cfg.StreamAddr = *streamAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	cfg.Debug = cfg.Debug || *debug

	closer, err := logging.Setup("agent", logging.Options{
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Debug:      cfg.Debug,
	})
	if err != nil {
		log.Printf("Log file disabled: %v", err)
	} else {
		defer closer.Close()
	}

	log.Printf("Agent %s", version.String())
	log.Printf("OS: %s, Arch: %s", runtime.GOOS, runtime.GOARCH)

	if *svcCmd != "" {
		if err := handleServiceCmd(*svcCmd, *svcName, *configPath, cfg); err != nil {
			log.Fatalf("Service %s failed: %v", *svcCmd, err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Agent: %v", err)
	}
}
