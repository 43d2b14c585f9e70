package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/netctl/internal/agent"
	"github.com/avaropoint/netctl/internal/clock"
	"github.com/avaropoint/netctl/internal/controller"
	"github.com/avaropoint/netctl/internal/directory"
	"github.com/avaropoint/netctl/internal/dispatch"
	"github.com/avaropoint/netctl/internal/metrics"
	"github.com/avaropoint/netctl/internal/security"
	"github.com/avaropoint/netctl/internal/session"
	"github.com/avaropoint/netctl/internal/store"
	"github.com/avaropoint/netctl/internal/stream"
)

func serve(t *testing.T, d *dispatch.Dispatcher) string {
	t.Helper()
	srv := session.NewServer(d, session.ServerOptions{IdlePoll: 50 * time.Millisecond})
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
	return addr.String()
}

// startAgent runs a real agent whose stream shows a test pattern.
func startAgent(t *testing.T) string {
	t.Helper()
	return startAgentWith(t, stream.NopInjector{})
}

func startAgentWith(t *testing.T, inj stream.Injector) string {
	t.Helper()
	a := agent.New(agent.Options{
		StreamAddr: "127.0.0.1:0",
		Stream: stream.Options{
			Capturer:     stream.NewTestPattern(64, 48),
			Injector:     inj,
			Interval:     10 * time.Millisecond,
			Grace:        500 * time.Millisecond,
			PollInterval: 20 * time.Millisecond,
		},
	})
	t.Cleanup(a.Close)
	d := dispatch.New()
	a.Register(d)
	return serve(t, d)
}

func newConsole(t *testing.T) (*Console, *bytes.Buffer) {
	t.Helper()
	m := controller.NewManager(controller.Options{Dialer: controller.SessionDialer(session.DialOptions{})})
	t.Cleanup(m.Close)
	out := &bytes.Buffer{}
	return &Console{m: m, out: out}, out
}

func TestConsoleAddListRemove(t *testing.T) {
	c, out := newConsole(t)
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "list"))
	assert.Contains(t, out.String(), "No agents")

	require.NoError(t, c.Execute(ctx, "add 127.0.0.1 1"))
	assert.Contains(t, out.String(), "Added 127.0.0.1:1")

	err := c.Execute(ctx, "add 127.0.0.1:1")
	assert.ErrorIs(t, err, controller.ErrPeerExists)

	err = c.Execute(ctx, "add host notaport")
	assert.ErrorIs(t, err, controller.ErrInvalidAddress)

	out.Reset()
	require.NoError(t, c.Execute(ctx, "list"))
	assert.Contains(t, out.String(), "127.0.0.1:1")

	require.NoError(t, c.Execute(ctx, "remove 127.0.0.1:1"))
	assert.ErrorIs(t, c.Execute(ctx, "remove 127.0.0.1:1"), controller.ErrUnknownPeer)
}

func TestConsoleUnknownAndQuit(t *testing.T) {
	c, _ := newConsole(t)
	assert.Error(t, c.Execute(context.Background(), "frobnicate"))
	assert.True(t, errors.Is(c.Execute(context.Background(), "quit"), errQuit))
	assert.NoError(t, c.Execute(context.Background(), "   "))
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	c, out := newConsole(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(context.Background(), strings.NewReader("help\nbogus\nquit\nlist\n"))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop")
	}
	assert.Contains(t, out.String(), "Commands:")
	assert.Contains(t, out.String(), `Error: unknown command "bogus"`)
	assert.NotContains(t, out.String(), "No agents")
}

func TestParseParams(t *testing.T) {
	p, err := parseParams(" action=shutdown seconds=60", []string{"action=shutdown", "seconds=60"})
	require.NoError(t, err)
	assert.Equal(t, "shutdown", p.String("action", ""))
	assert.Equal(t, 60, p.Int("seconds", 0))

	p, err = parseParams(` {"command": "echo a b"}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "echo a b", p.String("command", ""))

	_, err = parseParams("oops", []string{"oops"})
	assert.Error(t, err)
	_, err = parseParams("{bad", nil)
	assert.Error(t, err)
}

func TestConsoleExecAgainstAgent(t *testing.T) {
	addr := startAgent(t)
	c, out := newConsole(t)
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "add "+addr))
	require.NoError(t, c.Execute(ctx, "exec "+addr+" ping"))
	assert.Contains(t, out.String(), "pong")

	out.Reset()
	require.NoError(t, c.Execute(ctx, "exec "+addr+" system_info"))
	assert.Contains(t, out.String(), `"hostname"`)

	err := c.Execute(ctx, "exec "+addr+" no_such_command")
	assert.Error(t, err)
}

func TestConsoleViewSavesFrames(t *testing.T) {
	addr := startAgent(t)
	c, out := newConsole(t)
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, c.Execute(ctx, "add "+addr))
	require.NoError(t, c.Execute(ctx, "view "+addr+" 2 "+dir))

	files, err := filepath.Glob(filepath.Join(dir, "frame-*.jpg"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
	assert.Contains(t, out.String(), "Saved")

	assert.Error(t, c.Execute(ctx, "view "+addr+" zero"))
}

type injected struct {
	mu    sync.Mutex
	calls []string
}

func (i *injected) add(s string) error {
	i.mu.Lock()
	i.calls = append(i.calls, s)
	i.mu.Unlock()
	return nil
}

func (i *injected) Calls() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.calls...)
}

func (i *injected) KeyDown(k string) error   { return i.add("down:" + k) }
func (i *injected) KeyUp(k string) error     { return i.add("up:" + k) }
func (i *injected) MouseMove(x, y int) error { return i.add(fmt.Sprintf("move:%d,%d", x, y)) }
func (i *injected) Scroll(n int) error       { return i.add(fmt.Sprintf("scroll:%d", n)) }
func (i *injected) MouseButton(b stream.Button, down bool) error {
	return i.add(fmt.Sprintf("button:%d:%v", b, down))
}

func TestConsoleClickAndTypeReachAgent(t *testing.T) {
	inj := &injected{}
	addr := startAgentWith(t, inj)
	c, out := newConsole(t)
	ctx := context.Background()

	require.NoError(t, c.Execute(ctx, "add "+addr))
	require.NoError(t, c.Execute(ctx, "click "+addr+" 5 7"))
	require.NoError(t, c.Execute(ctx, "type "+addr+" a b"))
	assert.Contains(t, out.String(), "Clicked 5,7")
	assert.Contains(t, out.String(), "Typed 3 characters")

	want := []string{
		"move:5,7", "button:0:true", "button:0:false",
		"down:a", "up:a", "down:space", "up:space", "down:b", "up:b",
	}
	assert.Eventually(t, func() bool { return len(inj.Calls()) == len(want) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, inj.Calls())

	assert.Error(t, c.Execute(ctx, "click "+addr+" 5"))
	assert.Error(t, c.Execute(ctx, "click "+addr+" 5 7 middle"))
	assert.Error(t, c.Execute(ctx, "click "+addr+" -1 7"))
}

func TestConsoleShareAddsVisibleServers(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "dir.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	dir := directory.New(st, security.NewSigner([]byte("seed")), clock.RealClock{}, time.Hour)
	password, err := dir.Bootstrap(context.Background())
	require.NoError(t, err)
	d := dispatch.New()
	dir.Register(d)
	dirAddr := serve(t, d)

	dc, err := directory.Dial(context.Background(), dirAddr, session.DialOptions{})
	require.NoError(t, err)
	_, err = dc.Login(directory.AdminUser, password)
	require.NoError(t, err)
	_, err = dc.RegisterServer("one", "127.0.0.1:1")
	require.NoError(t, err)
	_, err = dc.RegisterServer("two", "127.0.0.1:2")
	require.NoError(t, err)
	require.NoError(t, dc.Close())

	c, out := newConsole(t)
	assert.Error(t, c.Execute(context.Background(), "share admin "+password))

	c.directory = dirAddr
	require.NoError(t, c.Execute(context.Background(), "share admin "+password))
	assert.Contains(t, out.String(), "2 of 2 shared servers added")

	var addrs []string
	for _, p := range c.m.Peers() {
		addrs = append(addrs, p.Address)
	}
	sort.Strings(addrs)
	assert.Equal(t, []string{"127.0.0.1:1", "127.0.0.1:2"}, addrs)

	assert.Error(t, c.Execute(context.Background(), "share admin wrong"))
}

type fakePeers struct {
	added, removed []string
}

func (f *fakePeers) AddAddress(addr string) (string, error) {
	f.added = append(f.added, addr)
	return addr, nil
}

func (f *fakePeers) Remove(addr string) error {
	f.removed = append(f.removed, addr)
	return nil
}

func TestReconcilerAppliesDiff(t *testing.T) {
	f := &fakePeers{}
	r := newReconciler(f)

	added, removed := r.apply([]string{"a:1", "b:2", "bad"})
	assert.Equal(t, 2, added)
	assert.Zero(t, removed)

	added, removed = r.apply([]string{"b:2", "c:3"})
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, f.added)
	assert.Equal(t, []string{"a:1"}, f.removed)
}

func TestStatusAPIRequiresKey(t *testing.T) {
	m := controller.NewManager(controller.Options{Dialer: controller.SessionDialer(session.DialOptions{})})
	t.Cleanup(m.Close)
	_, err := m.Add("127.0.0.1", 1)
	require.NoError(t, err)

	key, hash, err := security.GenerateAPIKey()
	require.NoError(t, err)
	mux := apiMux(m, metrics.New(), security.NewAuthMiddleware(hash))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/peers", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/peers", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var peers []controller.PeerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1:1", peers[0].Address)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
