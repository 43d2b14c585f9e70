// Command controller manages a set of agents from an interactive console
// and exposes their status over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/avaropoint/netctl/internal/config"
	"github.com/avaropoint/netctl/internal/controller"
	"github.com/avaropoint/netctl/internal/logging"
	"github.com/avaropoint/netctl/internal/metrics"
	"github.com/avaropoint/netctl/internal/security"
	"github.com/avaropoint/netctl/internal/session"
	"github.com/avaropoint/netctl/internal/store"
	"github.com/avaropoint/netctl/internal/version"
)

func main() {
	configPath := flag.String("config", "controller.yaml", "Configuration file (.yaml, .yml or .json)")
	apiAddr := flag.String("api", "", "Status API listen address (overrides config)")
	dirAddr := flag.String("directory", "", "Directory server address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.LoadController(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}
	if *dirAddr != "" {
		cfg.Directory = *dirAddr
	}
	cfg.Debug = cfg.Debug || *debug

	// The console owns stdout, so the log only goes to the file.
	closer, err := logging.Setup("controller", logging.Options{
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Debug:      cfg.Debug,
		Quiet:      true,
	})
	if err != nil {
		log.Printf("Log file disabled: %v", err)
	} else {
		defer closer.Close()
	}
	log.Printf("Controller %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath); err != nil {
		log.Fatalf("Controller: %v", err)
	}
}

func run(ctx context.Context, cfg config.ControllerConfig, configPath string) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	db, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "controller.db"))
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	policy, err := session.ParseDigestPolicy(cfg.DigestPolicy)
	if err != nil {
		return err
	}
	dialOpts := session.DialOptions{Cipher: security.CipherXChaCha, Digest: policy}
	if cfg.InsecureNoopCipher {
		log.Println("WARNING: session encryption disabled (insecure_noop_cipher)")
		dialOpts.Cipher = security.CipherNoop
	}
	if cfg.TLS {
		dialOpts.TLS = security.ClientTLSConfig()
	}

	reg := metrics.New()
	m := controller.NewManager(controller.Options{
		Dialer:          controller.SessionDialer(dialOpts),
		Store:           db,
		Metrics:         reg,
		ProbeInterval:   cfg.ProbeInterval.D(),
		IdleThreshold:   cfg.IdleThreshold.D(),
		MaxBackoff:      cfg.MaxBackoff.D(),
		PinCertificates: cfg.PinCertificates,
	})
	defer m.Close()
	reg.GaugeFunc("controller_peers", "Managed agents", func() float64 { return float64(len(m.Peers())) })

	n, err := m.Restore(ctx)
	if err != nil {
		log.Printf("Restore peers: %v", err)
	}
	log.Printf("Restored %d peers", n)

	rec := newReconciler(m)
	rec.apply(cfg.Peers)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go m.Run(ctx)
	go consumeEvents(ctx, m, os.Stdout)

	if cfg.APIAddr != "" {
		auth := security.NewAuthMiddleware(cfg.APIKeyHashes...)
		if !auth.Enabled() {
			log.Println("WARNING: status API has no API keys configured")
		}
		go func() {
			if err := metrics.Serve(ctx, cfg.APIAddr, apiMux(m, reg, auth), nil); err != nil {
				log.Printf("Status API: %v", err)
			}
		}()
	}

	go func() {
		err := config.Watch(ctx, configPath, func() {
			next, err := config.LoadController(configPath)
			if err != nil {
				log.Printf("Reload config: %v", err)
				return
			}
			added, removed := rec.apply(next.Peers)
			log.Printf("Config reloaded: %d peers added, %d removed", added, removed)
		})
		if err != nil {
			log.Printf("Config watch: %v", err)
		}
	}()

	console := &Console{m: m, out: os.Stdout, directory: cfg.Directory, dialOpts: dialOpts}
	console.Run(ctx, os.Stdin)
	return nil
}
