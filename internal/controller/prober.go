package controller

import (
	"context"
	"sync"

	"github.com/avaropoint/netctl/internal/clock"
	"github.com/avaropoint/netctl/internal/protocol"
)

// Run probes peer health every probe interval until ctx is cancelled.
// The next round is scheduled once the previous one has finished.
func (m *Manager) Run(ctx context.Context) {
	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return m.opts.Clock.AfterFunc(m.opts.ProbeInterval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	t := arm()
	defer func() { t.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-tick:
			m.ProbeOnce()
			t = arm()
		}
	}
}

// ProbeOnce checks every peer that needs it and waits for the probes.
// Peers with a pending retry or a connect in progress are skipped; a
// Connected peer is only probed after being silent for the idle threshold.
func (m *Manager) ProbeOnce() {
	var wg sync.WaitGroup
	for _, p := range m.peers.Snapshot() {
		if !m.needsProbe(p) {
			continue
		}
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			m.probe(p)
		}(p)
	}
	wg.Wait()
}

func (m *Manager) needsProbe(p *Peer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removed || p.retry != nil || p.sess == nil {
		return false
	}
	switch p.state {
	case Degraded:
		return true
	case Connected:
		return m.opts.Clock.Since(p.lastSeen) > m.opts.IdleThreshold
	default:
		return false
	}
}

func (m *Manager) probe(p *Peer) {
	// A peer busy with a command is not silent.
	if !p.cmdMu.TryLock() {
		return
	}
	defer p.cmdMu.Unlock()

	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess == nil {
		return
	}

	resp, err := sess.Roundtrip(protocol.NewCommand(protocol.CmdPing, nil), protocol.ProbeTimeout)
	if err == nil && !resp.OK() {
		err = resp.Err()
	}
	if err != nil {
		m.fail(p, err)
		return
	}
	m.alive(p)
}
