package session

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/avaropoint/netctl/internal/dispatch"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDispatcher() *dispatch.Dispatcher {
	d := dispatch.New()
	d.Register(protocol.CmdPing, func(context.Context, protocol.Params) (protocol.Result, error) {
		return protocol.Result{Message: "pong"}, nil
	})
	d.Register("slow", func(ctx context.Context, _ protocol.Params) (protocol.Result, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return protocol.Result{Message: "late"}, nil
	})
	return d
}

func startServer(t *testing.T, opts ServerOptions) (*Server, string) {
	t.Helper()
	if opts.IdlePoll == 0 {
		opts.IdlePoll = 50 * time.Millisecond
	}
	srv := NewServer(testDispatcher(), opts)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-done
	})
	return srv, addr.String()
}

func TestPingRoundTrip(t *testing.T) {
	_, addr := startServer(t, ServerOptions{})

	conn, err := Dial(context.Background(), addr, DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	resp, err := conn.Roundtrip(protocol.NewCommand(protocol.CmdPing, nil), protocol.ProbeTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "pong", resp.Message)
	assert.NotEmpty(t, resp.Hash)
	assert.Empty(t, conn.Fingerprint())
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	_, addr := startServer(t, ServerOptions{})

	conn, err := Dial(context.Background(), addr, DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	resp, err := conn.Roundtrip(protocol.NewCommand("reboot_universe", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, "unknown command: reboot_universe", resp.Message)

	resp, err = conn.Roundtrip(protocol.NewCommand(protocol.CmdPing, nil), time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestClosedClientLeavesRegistry(t *testing.T) {
	srv, addr := startServer(t, ServerOptions{})

	conn, err := Dial(context.Background(), addr, DialOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRoundtripTimeout(t *testing.T) {
	_, addr := startServer(t, ServerOptions{})

	conn, err := Dial(context.Background(), addr, DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Roundtrip(protocol.NewCommand("slow", nil), 100*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
}

func TestCipherMismatchEndsOnlyThatConnection(t *testing.T) {
	_, addr := startServer(t, ServerOptions{Cipher: security.CipherNoop})

	bad, err := Dial(context.Background(), addr, DialOptions{Cipher: security.CipherXChaCha})
	require.NoError(t, err)
	defer bad.Close()

	_, err = bad.Roundtrip(protocol.NewCommand(protocol.CmdPing, nil), time.Second)
	assert.ErrorIs(t, err, protocol.ErrPeerClosed)

	good, err := Dial(context.Background(), addr, DialOptions{Cipher: security.CipherNoop})
	require.NoError(t, err)
	defer good.Close()

	resp, err := good.Roundtrip(protocol.NewCommand(protocol.CmdPing, nil), time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestServerRejectsTamperedCommand(t *testing.T) {
	_, addr := startServer(t, ServerOptions{Cipher: security.CipherNoop})

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer raw.Close()

	br := bufio.NewReader(raw)
	_, err = protocol.ReadPreamble(br)
	require.NoError(t, err)
	bc := protocol.NewBlobConn(raw, br)

	token, err := security.Noop{}.Encrypt([]byte(`{"type":"ping","data":{},"hash":"00"}`))
	require.NoError(t, err)
	require.NoError(t, bc.Send(token, time.Second))

	// No response; the agent drops the connection.
	_, err = bc.Receive(2 * time.Second)
	assert.ErrorIs(t, err, protocol.ErrPeerClosed)
}

func TestTLSSessionCarriesFingerprint(t *testing.T) {
	id, err := security.LoadOrGenerateIdentity(t.TempDir())
	require.NoError(t, err)

	_, addr := startServer(t, ServerOptions{TLS: id.Config, Certificate: id})

	conn, err := Dial(context.Background(), addr, DialOptions{TLS: security.ClientTLSConfig()})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, id.Fingerprint(), conn.Fingerprint())
	resp, err := conn.Roundtrip(protocol.NewCommand(protocol.CmdPing, nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Message)
}

// fakeAgent answers one command with a response whose digest is wrong.
func fakeAgent(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		key, _ := security.NewSessionKey()
		_ = protocol.WritePreamble(conn, protocol.Preamble{Key: key})

		bc := protocol.NewBlobConn(conn, nil)
		if _, err := bc.Receive(time.Second); err != nil {
			return
		}
		token, _ := security.Noop{}.Encrypt([]byte(`{"status":"success","message":"pong","hash":"deadbeef"}`))
		_ = bc.Send(token, time.Second)
		_, _ = bc.Receive(time.Second)
	}()
	return ln.Addr().String()
}

func TestTamperedResponseRejected(t *testing.T) {
	conn, err := Dial(context.Background(), fakeAgent(t), DialOptions{Cipher: security.CipherNoop})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Roundtrip(protocol.NewCommand(protocol.CmdPing, nil), time.Second)
	assert.ErrorIs(t, err, protocol.ErrDigestMismatch)
}

func TestTamperedResponseWarnPolicy(t *testing.T) {
	conn, err := Dial(context.Background(), fakeAgent(t), DialOptions{Cipher: security.CipherNoop, Digest: DigestWarn})
	require.NoError(t, err)
	defer conn.Close()

	resp, err := conn.Roundtrip(protocol.NewCommand(protocol.CmdPing, nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Message)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr, DialOptions{Timeout: 500 * time.Millisecond})
	assert.Error(t, err)
}

func TestParseDigestPolicy(t *testing.T) {
	p, err := ParseDigestPolicy("WARN")
	require.NoError(t, err)
	assert.Equal(t, DigestWarn, p)

	p, err = ParseDigestPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DigestReject, p)

	_, err = ParseDigestPolicy("ignore")
	assert.Error(t, err)
}

func TestOnConnectReceivesClientInfo(t *testing.T) {
	got := make(chan ClientInfo, 1)
	_, addr := startServer(t, ServerOptions{OnConnect: func(c ClientInfo) { got <- c }})

	conn, err := Dial(context.Background(), addr, DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case info := <-got:
		assert.NotEmpty(t, info.ID)
		assert.Contains(t, info.RemoteAddr, "127.0.0.1")
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect not called")
	}
}

func TestMaxClientsHoldsExtraConnections(t *testing.T) {
	_, addr := startServer(t, ServerOptions{MaxClients: 1})

	first, err := Dial(context.Background(), addr, DialOptions{})
	require.NoError(t, err)

	_, err = Dial(context.Background(), addr, DialOptions{Timeout: 300 * time.Millisecond})
	assert.Error(t, err, "second controller must wait for a free slot")

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		c, err := Dial(context.Background(), addr, DialOptions{Timeout: 300 * time.Millisecond})
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSilentControllerReleasesSlot(t *testing.T) {
	d := dispatch.New()
	d.Register("big", func(context.Context, protocol.Params) (protocol.Result, error) {
		return protocol.Result{Data: strings.Repeat("x", 8<<20)}, nil
	})
	d.Register(protocol.CmdPing, func(context.Context, protocol.Params) (protocol.Result, error) {
		return protocol.Result{Message: "pong"}, nil
	})
	srv := NewServer(d, ServerOptions{
		Cipher:       security.CipherNoop,
		IdlePoll:     50 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		MaxClients:   1,
	})
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-done
	})

	// Send one command and never read the response.
	raw, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer raw.Close()
	br := bufio.NewReader(raw)
	_, err = protocol.ReadPreamble(br)
	require.NoError(t, err)
	cmd, err := protocol.SealCommand(protocol.NewCommand("big", nil))
	require.NoError(t, err)
	token, err := security.Noop{}.Encrypt(cmd)
	require.NoError(t, err)
	require.NoError(t, protocol.NewBlobConn(raw, br).Send(token, time.Second))

	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, 5*time.Second, 20*time.Millisecond)

	conn, err := Dial(context.Background(), addr.String(), DialOptions{Cipher: security.CipherNoop, Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer conn.Close()
	resp, err := conn.Roundtrip(protocol.NewCommand(protocol.CmdPing, nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Message)
}
