package controller

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avaropoint/netctl/internal/clock"
	"github.com/avaropoint/netctl/internal/metrics"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/registry"
	"github.com/avaropoint/netctl/internal/store"
)

// Options configures a Manager.
type Options struct {
	Dialer  Dialer
	Clock   clock.Clock
	Store   store.PeerStore
	Metrics *metrics.Registry

	ProbeInterval time.Duration
	IdleThreshold time.Duration
	MaxBackoff    time.Duration

	// PinCertificates turns a changed agent certificate into a handshake
	// failure instead of a logged warning.
	PinCertificates bool
	EventBuffer     int
}

// Manager owns every peer connection of a controller.
type Manager struct {
	opts   Options
	peers  *registry.Registry[string, *Peer]
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. opts.Dialer is required.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = DefaultIdleThreshold
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		peers:  registry.New[string, *Peer](),
		events: make(chan Event, opts.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ParseAddress validates host and port and joins them.
func ParseAddress(host string, port int) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidAddress)
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// SplitAddress parses "host:port".
func SplitAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: port %q", ErrInvalidAddress, portStr)
	}
	return host, port, nil
}

// Add registers a peer and starts connecting to it in the background.
// It returns the canonical address.
func (m *Manager) Add(host string, port int) (string, error) {
	addr, err := ParseAddress(host, port)
	if err != nil {
		return "", err
	}

	var pinned string
	if m.opts.Store != nil {
		if rec, err := m.opts.Store.GetPeer(m.ctx, addr); err == nil && rec != nil {
			pinned = rec.Fingerprint
		}
	}

	p := newPeer(addr, pinned)
	if !m.peers.Add(addr, p) {
		return "", fmt.Errorf("%w: %s", ErrPeerExists, addr)
	}

	if m.opts.Store != nil {
		if err := m.opts.Store.UpsertPeer(m.ctx, &store.PeerRecord{Address: addr, AddedAt: m.opts.Clock.Now()}); err != nil {
			log.Printf("Persist peer %s: %v", addr, err)
		}
	}

	m.publish(addr, Disconnected, "Added")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		p.cmdMu.Lock()
		defer p.cmdMu.Unlock()
		_ = m.attempt(p)
	}()
	return addr, nil
}

// AddAddress is Add for a "host:port" string.
func (m *Manager) AddAddress(addr string) (string, error) {
	host, port, err := SplitAddress(addr)
	if err != nil {
		return "", err
	}
	return m.Add(host, port)
}

// Restore adds every peer remembered in the store.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.opts.Store == nil {
		return 0, nil
	}
	recs, err := m.opts.Store.ListPeers(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if _, err := m.AddAddress(rec.Address); err != nil {
			log.Printf("Restore peer %s: %v", rec.Address, err)
			continue
		}
		n++
	}
	return n, nil
}

// Remove tears down a peer in any state: the retry timer is stopped, the
// session closed and the stored record deleted.
func (m *Manager) Remove(addr string) error {
	p, ok := m.peers.Remove(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}

	p.mu.Lock()
	p.removed = true
	if p.retry != nil {
		p.retry.Stop()
		p.retry = nil
	}
	sess := p.sess
	p.sess = nil
	p.state = Disconnected
	p.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if m.opts.Store != nil {
		if err := m.opts.Store.DeletePeer(m.ctx, addr); err != nil {
			log.Printf("Delete peer %s: %v", addr, err)
		}
	}

	m.publish(addr, Disconnected, "Removed")
	return nil
}

// Peer returns the status of one peer.
func (m *Manager) Peer(addr string) (PeerStatus, bool) {
	p, ok := m.peers.Get(addr)
	if !ok {
		return PeerStatus{}, false
	}
	return p.Status(), true
}

// Peers returns the status of every peer, sorted by address.
func (m *Manager) Peers() []PeerStatus {
	peers := m.peers.Snapshot()
	out := make([]PeerStatus, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// SendCommand runs one command against addr. A peer without a session
// gets an immediate reconnect attempt first. A failed round trip degrades
// the peer and triggers a reconnect; the caller gets the error.
func (m *Manager) SendCommand(ctx context.Context, addr, name string, params protocol.Params) (*protocol.Response, error) {
	p, ok := m.peers.Get(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()

	if sess == nil {
		if err := m.attempt(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotConnected, addr, err)
		}
		p.mu.Lock()
		sess = p.sess
		p.mu.Unlock()
		if sess == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotConnected, addr)
		}
	}

	start := m.opts.Clock.Now()
	resp, err := sess.Roundtrip(protocol.NewCommand(name, params), protocol.TimeoutFor(name))
	m.opts.Metrics.Roundtrip(name, m.opts.Clock.Since(start))
	if err != nil {
		m.fail(p, err)
		return nil, err
	}

	m.alive(p)
	return resp, nil
}

// Close stops every timer and session. Stored peers are kept.
func (m *Manager) Close() {
	m.cancel()
	for _, p := range m.peers.Snapshot() {
		p.mu.Lock()
		if p.retry != nil {
			p.retry.Stop()
			p.retry = nil
		}
		p.removed = true
		sess := p.sess
		p.sess = nil
		p.state = Disconnected
		p.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
	}
	m.wg.Wait()
}

// attempt dials p once. On failure it schedules a retry. The caller
// holds p.cmdMu.
func (m *Manager) attempt(p *Peer) error {
	p.mu.Lock()
	if p.removed {
		p.mu.Unlock()
		return ErrUnknownPeer
	}
	if p.retry != nil {
		p.retry.Stop()
		p.retry = nil
	}
	old := p.sess
	p.sess = nil
	p.state = Connecting
	pinned := p.fingerprint
	p.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.publish(p.addr, Connecting, "Connecting...")

	sess, err := m.opts.Dialer(m.ctx, p.addr)
	if err == nil {
		if fp := sess.Fingerprint(); pinned != "" && fp != pinned {
			if m.opts.PinCertificates {
				_ = sess.Close()
				sess = nil
				err = fmt.Errorf("%w: %s", ErrFingerprintMismatch, p.addr)
			} else {
				log.Printf("WARNING: certificate of %s changed (was %s, now %s)", p.addr, pinned, fp)
			}
		}
	}

	p.mu.Lock()
	if p.removed {
		p.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return ErrUnknownPeer
	}

	if err != nil {
		p.failures++
		p.lastError = err.Error()
		p.state = Reconnecting
		delay := Backoff(p.failures, m.opts.MaxBackoff)
		scheduled := false
		if p.retry == nil {
			p.retryDelay = delay
			p.retry = m.opts.Clock.AfterFunc(delay, func() { m.retryFired(p) })
			scheduled = true
		}
		p.mu.Unlock()

		if scheduled {
			m.opts.Metrics.RetryScheduled()
			m.publish(p.addr, Reconnecting, fmt.Sprintf("Retry in %ds", int(delay/time.Second)))
		}
		return err
	}

	p.sess = sess
	p.state = Connected
	p.failures = 0
	p.lastError = ""
	p.lastSeen = m.opts.Clock.Now()
	fp := sess.Fingerprint()
	if fp != "" && (pinned == "" || !m.opts.PinCertificates) {
		p.fingerprint = fp
	}
	p.mu.Unlock()

	if m.opts.Store != nil {
		if err := m.opts.Store.UpdatePeerSeen(m.ctx, p.addr, fp, m.opts.Clock.Now()); err != nil {
			log.Printf("Persist peer %s: %v", p.addr, err)
		}
	}
	m.publish(p.addr, Connected, "Connected")
	return nil
}

// retryFired runs when a peer's retry timer expires.
func (m *Manager) retryFired(p *Peer) {
	p.mu.Lock()
	p.retry = nil
	removed := p.removed
	p.mu.Unlock()
	if removed || m.ctx.Err() != nil {
		return
	}

	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	// A command may have reconnected while we waited for cmdMu.
	p.mu.Lock()
	skip := p.state == Connected || p.retry != nil
	p.mu.Unlock()
	if skip {
		return
	}
	_ = m.attempt(p)
}

// alive records a successful round trip.
func (m *Manager) alive(p *Peer) {
	p.mu.Lock()
	prev := p.state
	p.state = Connected
	p.failures = 0
	p.lastError = ""
	p.lastSeen = m.opts.Clock.Now()
	p.mu.Unlock()

	if prev != Connected {
		m.publish(p.addr, Connected, "Connected")
	}
}

// fail degrades p after a failed round trip and reconnects immediately.
// The caller holds p.cmdMu.
func (m *Manager) fail(p *Peer, cause error) {
	p.mu.Lock()
	if p.removed {
		p.mu.Unlock()
		return
	}
	p.state = Degraded
	p.lastError = cause.Error()
	p.mu.Unlock()

	m.publish(p.addr, Degraded, "Error: "+cause.Error())
	m.publish(p.addr, Degraded, "Reconnecting...")
	_ = m.attempt(p)
}
