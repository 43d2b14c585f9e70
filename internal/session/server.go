// Package session implements the encrypted command channel: the agent
// side accepts connections and answers commands through a dispatcher,
// the controller side dials agents and performs request/response round
// trips.
package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avaropoint/netctl/internal/dispatch"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/registry"
	"github.com/avaropoint/netctl/internal/security"
	"github.com/google/uuid"
	"golang.org/x/net/netutil"
)

// Server defaults.
const (
	DefaultIdlePoll         = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// CertificateProvider supplies the certificate sent in the handshake
// preamble. A nil provider or empty certificate sends a zero length.
type CertificateProvider interface {
	CertificatePEM() []byte
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Cipher names the session cipher (security.CipherXChaCha by default).
	Cipher string
	// TLS wraps accepted connections when non-nil.
	TLS         *tls.Config
	Certificate CertificateProvider
	// IdlePoll bounds each blocking read so shutdown is noticed promptly.
	IdlePoll         time.Duration
	HandshakeTimeout time.Duration
	// WriteTimeout bounds sending one response to a controller that has
	// stopped reading.
	WriteTimeout time.Duration
	// MaxClients caps concurrent connections; further ones wait in the
	// accept backlog. Zero means no limit.
	MaxClients int
	// OnConnect runs in its own goroutine after each handshake.
	OnConnect func(ClientInfo)
}

// ClientInfo is a snapshot of one live controller connection.
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Commands    int64     `json:"commands"`
}

// liveClient represents an accepted connection (in-memory).
type liveClient struct {
	id          string
	remoteAddr  string
	connectedAt time.Time
	lastSeen    atomic.Int64
	commands    atomic.Int64
	conn        net.Conn
}

func (c *liveClient) info() ClientInfo {
	return ClientInfo{
		ID:          c.id,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
		LastSeen:    time.Unix(0, c.lastSeen.Load()),
		Commands:    c.commands.Load(),
	}
}

// Server accepts controller connections and serves commands.
type Server struct {
	opts       ServerOptions
	dispatcher *dispatch.Dispatcher
	clients    *registry.Registry[string, *liveClient]

	mu      sync.Mutex
	ln      net.Listener
	closing bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server answering commands with d.
func NewServer(d *dispatch.Dispatcher, opts ServerOptions) *Server {
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = DefaultIdlePoll
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Cipher == "" {
		opts.Cipher = security.CipherXChaCha
	}
	return &Server{
		opts:       opts,
		dispatcher: d,
		clients:    registry.New[string, *liveClient](),
	}
}

// Listen binds the command listener. Failing to bind is the only fatal
// condition for an agent, so callers usually exit on error.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.opts.MaxClients > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxClients)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
// Listen must have been called first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		s.mu.Unlock()
		return errors.New("session server is not listening")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Printf("Command server listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Accept error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if _, err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Close stops accepting, closes every live connection and waits for the
// connection goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Unlock()

	for _, c := range s.clients.Snapshot() {
		_ = c.conn.Close()
	}
	s.wg.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Clients returns a snapshot of live connections.
func (s *Server) Clients() []ClientInfo {
	live := s.clients.Snapshot()
	out := make([]ClientInfo, 0, len(live))
	for _, c := range live {
		out = append(out, c.info())
	}
	return out
}

// ClientCount returns the number of live connections.
func (s *Server) ClientCount() int { return s.clients.Len() }

// handleConn manages the lifecycle of one controller connection.
// Any failure here ends only this connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	client := &liveClient{
		id:          uuid.NewString(),
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		conn:        conn,
	}
	client.lastSeen.Store(client.connectedAt.UnixNano())

	defer func() {
		s.clients.Remove(client.id)
		_ = client.conn.Close()
	}()

	if s.opts.TLS != nil {
		tlsConn := tls.Server(conn, s.opts.TLS)
		_ = tlsConn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
		if err := tlsConn.Handshake(); err != nil {
			log.Printf("TLS handshake with %s failed: %v", client.remoteAddr, err)
			return
		}
		_ = tlsConn.SetDeadline(time.Time{})
		client.conn = tlsConn
	}

	s.clients.Set(client.id, client)
	// Close may have snapshotted the registry before the Set above.
	if ctx.Err() != nil {
		return
	}

	cipher, err := s.handshake(client.conn)
	if err != nil {
		log.Printf("Handshake with %s failed: %v", client.remoteAddr, err)
		return
	}
	log.Printf("Controller connected: %s (session %s)", client.remoteAddr, client.id)
	if s.opts.OnConnect != nil {
		go s.opts.OnConnect(client.info())
	}

	bc := protocol.NewBlobConn(client.conn, nil)
	for {
		if ctx.Err() != nil {
			return
		}

		blob, err := bc.Receive(s.opts.IdlePoll)
		if errors.Is(err, protocol.ErrTimeout) {
			continue
		}
		if err != nil {
			if errors.Is(err, protocol.ErrPeerClosed) {
				log.Printf("Controller disconnected: %s", client.remoteAddr)
			} else {
				log.Printf("Read from %s failed: %v", client.remoteAddr, err)
			}
			return
		}

		reply, err := s.serveCommand(ctx, cipher, blob)
		if err != nil {
			log.Printf("Protocol error from %s: %v", client.remoteAddr, err)
			return
		}
		if err := bc.Send(reply, s.opts.WriteTimeout); err != nil {
			log.Printf("Write to %s failed: %v", client.remoteAddr, err)
			return
		}

		client.lastSeen.Store(time.Now().UnixNano())
		client.commands.Add(1)
	}
}

// handshake sends the certificate and a fresh session key.
func (s *Server) handshake(conn net.Conn) (security.Cipher, error) {
	key, err := security.NewSessionKey()
	if err != nil {
		return nil, err
	}
	cipher, err := security.NewCipher(s.opts.Cipher, key)
	if err != nil {
		return nil, err
	}

	var cert []byte
	if s.opts.Certificate != nil {
		cert = s.opts.Certificate.CertificatePEM()
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

	if err := protocol.WritePreamble(conn, protocol.Preamble{Certificate: cert, Key: key}); err != nil {
		return nil, err
	}
	return cipher, nil
}

// serveCommand decrypts one command, dispatches it and returns the
// encrypted response. Errors mean the connection can no longer be trusted.
func (s *Server) serveCommand(ctx context.Context, cipher security.Cipher, blob []byte) ([]byte, error) {
	plain, err := cipher.Decrypt(blob)
	if err != nil {
		return nil, err
	}

	var cmd protocol.Command
	if err := json.Unmarshal(plain, &cmd); err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	if _, err := protocol.Verify(plain); err != nil {
		return nil, fmt.Errorf("%s command: %w", cmd.Type, err)
	}
	resp := s.dispatcher.Dispatch(ctx, cmd)

	raw, err := protocol.SealResponse(resp)
	if err != nil {
		return nil, err
	}
	return cipher.Encrypt(raw)
}
