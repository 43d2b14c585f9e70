package controller

import (
	"context"
	"sync"
	"time"

	"github.com/avaropoint/netctl/internal/clock"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/session"
)

// Session is an established command channel to an agent.
type Session interface {
	Roundtrip(cmd protocol.Command, timeout time.Duration) (*protocol.Response, error)
	Fingerprint() string
	Close() error
}

// Dialer opens a session to addr.
type Dialer func(ctx context.Context, addr string) (Session, error)

// SessionDialer dials real agents with opts.
func SessionDialer(opts session.DialOptions) Dialer {
	return func(ctx context.Context, addr string) (Session, error) {
		conn, err := session.Dial(ctx, addr, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Peer is the controller-side record of one agent connection. The
// session is non-nil exactly when the state is Connected or Degraded, and
// at most one retry timer is pending.
type Peer struct {
	addr string

	// cmdMu serializes commands, probes and reconnect attempts.
	cmdMu sync.Mutex

	mu          sync.Mutex
	state       State
	sess        Session
	failures    int
	lastSeen    time.Time
	retry       clock.Timer
	retryDelay  time.Duration
	fingerprint string
	lastError   string
	removed     bool
}

// PeerStatus is a point-in-time view of a peer.
type PeerStatus struct {
	Address      string    `json:"address"`
	State        State     `json:"state"`
	Failures     int       `json:"failures"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	RetryPending bool      `json:"retry_pending"`
	RetryDelay   string    `json:"retry_delay,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

func newPeer(addr, fingerprint string) *Peer {
	return &Peer{addr: addr, state: Disconnected, fingerprint: fingerprint}
}

// Status returns a snapshot of p.
func (p *Peer) Status() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PeerStatus{
		Address:      p.addr,
		State:        p.state,
		Failures:     p.failures,
		LastSeen:     p.lastSeen,
		Fingerprint:  p.fingerprint,
		RetryPending: p.retry != nil,
		LastError:    p.lastError,
	}
	if p.retry != nil {
		st.RetryDelay = p.retryDelay.String()
	}
	return st
}

// Address returns the peer's host:port.
func (p *Peer) Address() string { return p.addr }
