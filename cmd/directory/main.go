// Command directory runs the directory server: user accounts and the
// registry of agents they own and share, served over the session
// protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/avaropoint/netctl/internal/clock"
	"github.com/avaropoint/netctl/internal/config"
	"github.com/avaropoint/netctl/internal/directory"
	"github.com/avaropoint/netctl/internal/dispatch"
	"github.com/avaropoint/netctl/internal/logging"
	"github.com/avaropoint/netctl/internal/metrics"
	"github.com/avaropoint/netctl/internal/security"
	"github.com/avaropoint/netctl/internal/session"
	"github.com/avaropoint/netctl/internal/store"
	"github.com/avaropoint/netctl/internal/version"
)

func main() {
	configPath := flag.String("config", "directory.yaml", "Configuration file (.yaml, .yml or .json)")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.LoadDirectory(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	cfg.Debug = cfg.Debug || *debug

	closer, err := logging.Setup("directory", logging.Options{
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
	log.Printf("Directory %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Directory: %v", err)
	}
}

func run(ctx context.Context, cfg config.DirectoryConfig) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	db, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "directory.db"))
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	signer, err := security.LoadOrCreateSigner(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	dir := directory.New(db, signer, clock.RealClock{}, cfg.TokenTTL.D())
	password, err := dir.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if password != "" {
		log.Printf("Created user %q with password %s (change it after first login)", directory.AdminUser, password)
	}

	id, err := security.LoadOrGenerateIdentity(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	opts := session.ServerOptions{Cipher: security.CipherXChaCha, Certificate: id}
	if cfg.TLS {
		opts.TLS = id.Config
	}
	if cfg.InsecureNoopCipher {
		log.Println("WARNING: session encryption disabled (insecure_noop_cipher)")
		opts.Cipher = security.CipherNoop
	}

	m := metrics.New()
	d := dispatch.New()
	d.Observe(m.CommandHandled)
	dir.Register(d)

	srv := session.NewServer(d, opts)
	if _, err := srv.Listen(cfg.Listen); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			if err := metrics.Serve(gctx, cfg.MetricsAddr, m.Mux(), nil); err != nil {
				log.Printf("Metrics server: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return srv.Close()
	})
	return g.Wait()
}
