package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/security"
)

// DefaultDialTimeout bounds connect plus handshake.
const DefaultDialTimeout = 3 * time.Second

// DigestPolicy decides what a controller does with a response whose
// digest does not match its content.
type DigestPolicy int

const (
	// DigestReject fails the round trip with protocol.ErrDigestMismatch.
	DigestReject DigestPolicy = iota
	// DigestWarn logs a tampering warning and accepts the response.
	DigestWarn
)

// ParseDigestPolicy maps "reject" (or empty) and "warn" to a policy.
func ParseDigestPolicy(s string) (DigestPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return DigestReject, nil
	case "warn":
		return DigestWarn, nil
	default:
		return DigestReject, fmt.Errorf("unknown digest policy %q", s)
	}
}

func (p DigestPolicy) String() string {
	if p == DigestWarn {
		return "warn"
	}
	return "reject"
}

// DialOptions configures Dial.
type DialOptions struct {
	Cipher  string
	TLS     *tls.Config
	Timeout time.Duration
	Digest  DigestPolicy
}

// ClientConn is an established controller-side session. Round trips are
// serialized: one request is in flight at a time.
type ClientConn struct {
	addr        string
	certificate []byte
	fingerprint string
	policy      DigestPolicy
	cipher      security.Cipher

	mu sync.Mutex
	bc *protocol.BlobConn
}

// Dial connects to an agent and completes the handshake.
func Dial(ctx context.Context, addr string, opts DialOptions) (*ClientConn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDialTimeout
	}
	if opts.Cipher == "" {
		opts.Cipher = security.CipherXChaCha
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	if opts.TLS != nil {
		tlsConn := tls.Client(conn, opts.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	br := bufio.NewReader(conn)
	pre, err := protocol.ReadPreamble(br)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	cipher, err := security.NewCipher(opts.Cipher, pre.Key)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}

	return &ClientConn{
		addr:        addr,
		certificate: pre.Certificate,
		fingerprint: security.Fingerprint(pre.Certificate),
		policy:      opts.Digest,
		cipher:      cipher,
		bc:          protocol.NewBlobConn(conn, br),
	}, nil
}

// Addr returns the dialed address.
func (c *ClientConn) Addr() string { return c.addr }

// Certificate returns the certificate the agent presented.
func (c *ClientConn) Certificate() []byte { return c.certificate }

// Fingerprint returns the SHA-256 fingerprint of the agent certificate,
// or "" when it sent none.
func (c *ClientConn) Fingerprint() string { return c.fingerprint }

// Close closes the connection.
func (c *ClientConn) Close() error { return c.bc.Close() }

// Roundtrip sends cmd and waits up to timeout for the response. A
// timeout leaves the connection unusable for further requests, since a
// late response would be paired with the next one; callers should
// reconnect.
func (c *ClientConn) Roundtrip(cmd protocol.Command, timeout time.Duration) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := protocol.SealCommand(cmd)
	if err != nil {
		return nil, err
	}
	token, err := c.cipher.Encrypt(raw)
	if err != nil {
		return nil, err
	}
	if err := c.bc.Send(token, timeout); err != nil {
		return nil, err
	}

	blob, err := c.bc.Receive(timeout)
	if err != nil {
		return nil, err
	}
	plain, err := c.cipher.Decrypt(blob)
	if err != nil {
		return nil, err
	}

	if _, err := protocol.Verify(plain); err != nil {
		if c.policy == DigestReject {
			return nil, fmt.Errorf("%s response from %s: %w", cmd.Type, c.addr, err)
		}
		log.Printf("WARNING: %s response from %s failed integrity check, possible tampering", cmd.Type, c.addr)
	}

	var resp protocol.Response
	if err := json.Unmarshal(plain, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Status != protocol.StatusSuccess && resp.Status != protocol.StatusError {
		return nil, fmt.Errorf("parse response: unknown status %q", resp.Status)
	}
	return &resp, nil
}
