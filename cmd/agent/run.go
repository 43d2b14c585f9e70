package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avaropoint/netctl/internal/agent"
	"github.com/avaropoint/netctl/internal/config"
	"github.com/avaropoint/netctl/internal/dispatch"
	"github.com/avaropoint/netctl/internal/metrics"
	"github.com/avaropoint/netctl/internal/security"
	"github.com/avaropoint/netctl/internal/session"
	"github.com/avaropoint/netctl/internal/stream"
)

// snapshotTimeout bounds the system_info collection logged per connection.
const snapshotTimeout = 5 * time.Second

// run serves commands until ctx is cancelled. Only failing to bind the
// command listener is returned as an error.
func run(ctx context.Context, cfg config.AgentConfig) error {
	id, err := security.LoadOrGenerateIdentity(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	log.Printf("Certificate fingerprint: %s", id.Fingerprint())

	opts := session.ServerOptions{
		Cipher:      security.CipherXChaCha,
		Certificate: id,
		MaxClients:  cfg.MaxClients,
		OnConnect:   logSnapshot,
	}
	if cfg.TLS {
		opts.TLS = id.Config
		log.Println("TLS enabled on command channel")
	}
	if cfg.InsecureNoopCipher {
		log.Println("WARNING: session encryption disabled (insecure_noop_cipher)")
		opts.Cipher = security.CipherNoop
	}

	m := metrics.New()
	d := dispatch.New()
	d.Observe(m.CommandHandled)

	a := agent.New(agent.Options{
		StreamAddr: cfg.StreamAddr,
		Stream: stream.Options{
			Capturer: stream.NewScreenCapturer(),
			Injector: stream.NewInjector(runtime.GOOS),
			Metrics:  m,
			Quality:  cfg.StreamQuality,
		},
	})
	a.Register(d)
	defer a.Close()

	srv := session.NewServer(d, opts)
	if _, err := srv.Listen(cfg.Listen); err != nil {
		return err
	}
	m.GaugeFunc("agent_clients", "Connected controllers", func() float64 {
		return float64(srv.ClientCount())
	})

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
		log.Println("Shutting down")
		return srv.Close()
	})
	return g.Wait()
}

// logSnapshot records who connected and the host state they will see.
func logSnapshot(c session.ClientInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	info := agent.CollectSystemInfo(ctx)
	log.Printf("Session %s from %s: %s %s/%s, %d CPUs, %d MB RAM",
		c.ID, c.RemoteAddr, info.Hostname, info.OS, info.Arch, info.CPUCount, info.TotalMemory/(1024*1024))
}
