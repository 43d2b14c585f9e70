package agent

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/avaropoint/netctl/internal/dispatch"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	code  int
	err   error
	out   string
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) (string, string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.out, "", f.code, f.err
}

func newTestAgent(t *testing.T, opts Options) (*Agent, *dispatch.Dispatcher) {
	t.Helper()
	if opts.Stream.Capturer == nil {
		opts.Stream.Capturer = stream.NewTestPattern(32, 24)
	}
	if opts.Stream.Grace == 0 {
		opts.Stream.Grace = 500 * time.Millisecond
	}
	if opts.Stream.PollInterval == 0 {
		opts.Stream.PollInterval = 20 * time.Millisecond
	}
	if opts.StreamAddr == "" {
		opts.StreamAddr = "127.0.0.1:0"
	}
	a := New(opts)
	d := dispatch.New()
	a.Register(d)
	t.Cleanup(a.Close)
	return a, d
}

func call(t *testing.T, d *dispatch.Dispatcher, name string, params protocol.Params) protocol.Response {
	t.Helper()
	return d.Dispatch(context.Background(), protocol.NewCommand(name, params))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRegisteredCommands(t *testing.T) {
	_, d := newTestAgent(t, Options{})
	assert.Equal(t, []string{
		"execute_command", "hardware_monitor", "network_monitor", "ping",
		"power_management", "software_inventory", "start_rdp", "stop_rdp", "system_info",
	}, d.Names())
}

func TestPing(t *testing.T) {
	_, d := newTestAgent(t, Options{})
	resp := call(t, d, protocol.CmdPing, nil)
	assert.True(t, resp.OK())
	assert.Equal(t, "pong", resp.Message)
}

func TestSystemInfo(t *testing.T) {
	_, d := newTestAgent(t, Options{})
	resp := call(t, d, protocol.CmdSystemInfo, nil)
	require.True(t, resp.OK(), resp.Message)

	var info SystemInfo
	require.NoError(t, resp.Decode(&info))
	assert.NotEmpty(t, info.Hostname)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Positive(t, info.CPUCount)
}

func TestStartStreamTwiceRebindsSamePort(t *testing.T) {
	addr := freeAddr(t)
	a, d := newTestAgent(t, Options{StreamAddr: addr})

	resp := call(t, d, protocol.CmdStartStream, nil)
	require.True(t, resp.OK(), resp.Message)
	var info StreamInfo
	require.NoError(t, resp.Decode(&info))
	assert.Equal(t, "127.0.0.1", info.IP)
	_, port, _ := net.SplitHostPort(addr)
	assert.Equal(t, port, strconv.Itoa(info.Port))

	v, err := stream.DialViewer(context.Background(), addr, protocol.PlatformLinux)
	require.NoError(t, err)
	defer v.Close()
	f, err := v.Next(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameResolution, f.Kind)

	// The second start must close the old listener and viewer before
	// binding the same port again.
	resp = call(t, d, protocol.CmdStartStream, nil)
	require.True(t, resp.OK(), resp.Message)
	assert.True(t, a.StreamRunning())

	for {
		if _, err := v.Next(2 * time.Second); err != nil {
			assert.False(t, errors.Is(err, protocol.ErrTimeout))
			break
		}
	}

	v2, err := stream.DialViewer(context.Background(), addr, protocol.PlatformWindows)
	require.NoError(t, err)
	defer v2.Close()
	f, err = v2.Next(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameResolution, f.Kind)
}

func TestStopStreamIsIdempotent(t *testing.T) {
	a, d := newTestAgent(t, Options{})

	resp := call(t, d, protocol.CmdStopStream, nil)
	assert.True(t, resp.OK())
	assert.Equal(t, "No stream server was running", resp.Message)

	started := call(t, d, protocol.CmdStartStream, nil)
	require.True(t, started.OK())
	assert.True(t, a.StreamRunning())

	resp = call(t, d, protocol.CmdStopStream, nil)
	assert.True(t, resp.OK())
	assert.Equal(t, "Stream server stopped successfully", resp.Message)
	assert.False(t, a.StreamRunning())

	resp = call(t, d, protocol.CmdStopStream, nil)
	assert.True(t, resp.OK())
	assert.Equal(t, "No stream server was running", resp.Message)
}

func TestStartStreamBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	a, d := newTestAgent(t, Options{StreamAddr: ln.Addr().String()})
	resp := call(t, d, protocol.CmdStartStream, nil)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "failed to start stream server")
	assert.False(t, a.StreamRunning())
}

func TestExecuteCommand(t *testing.T) {
	r := &fakeRunner{out: "hello\n", code: 3}
	_, d := newTestAgent(t, Options{Run: r.run, GOOS: "linux"})

	resp := call(t, d, protocol.CmdExecuteCommand, protocol.Params{"command": "echo hello; exit 3"})
	require.True(t, resp.OK(), resp.Message)
	var res ExecResult
	require.NoError(t, resp.Decode(&res))
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 3, res.ReturnCode)
	assert.Equal(t, [][]string{{"sh", "-c", "echo hello; exit 3"}}, r.calls)

	resp = call(t, d, protocol.CmdExecuteCommand, protocol.Params{"command": "  "})
	assert.Equal(t, "command is required", resp.Message)
}

func TestExecuteCommandWindowsShell(t *testing.T) {
	r := &fakeRunner{}
	_, d := newTestAgent(t, Options{Run: r.run, GOOS: "windows"})
	execResp := call(t, d, protocol.CmdExecuteCommand, protocol.Params{"command": "dir"})
	require.True(t, execResp.OK())
	assert.Equal(t, [][]string{{"cmd.exe", "/C", "dir"}}, r.calls)
}

func TestExecuteCommandTimeout(t *testing.T) {
	block := func(ctx context.Context, _ string, _ ...string) (string, string, int, error) {
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}
	_, d := newTestAgent(t, Options{Run: block, ExecTimeout: 50 * time.Millisecond})

	resp := call(t, d, protocol.CmdExecuteCommand, protocol.Params{"command": "sleep 60"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "timed out")
}

func TestRunProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	out, errOut, code, err := RunProcess(context.Background(), "sh", "-c", "echo out; echo err >&2; exit 4")
	require.NoError(t, err)
	assert.Equal(t, "out\n", out)
	assert.Equal(t, "err\n", errOut)
	assert.Equal(t, 4, code)

	_, _, _, err = RunProcess(context.Background(), "netctl-no-such-binary")
	assert.Error(t, err)
}

func TestPowerCommand(t *testing.T) {
	secs := func(n int) *int { return &n }

	tests := []struct {
		goos, action string
		delay        *int
		want         []string
	}{
		{"windows", PowerShutdown, nil, []string{"shutdown", "/s", "/t", "1"}},
		{"windows", PowerShutdown, secs(120), []string{"shutdown", "/s", "/t", "120"}},
		{"windows", PowerRestart, nil, []string{"shutdown", "/r", "/t", "1"}},
		{"windows", PowerLock, nil, []string{"rundll32.exe", "user32.dll,LockWorkStation"}},
		{"windows", PowerCancelScheduled, nil, []string{"shutdown", "/a"}},
		{"linux", PowerShutdown, nil, []string{"shutdown", "-h", "now"}},
		{"linux", PowerShutdown, secs(90), []string{"shutdown", "-h", "+2"}},
		{"linux", PowerShutdown, secs(60), []string{"shutdown", "-h", "+1"}},
		{"linux", PowerLock, nil, []string{"loginctl", "lock-session"}},
		{"linux", PowerCancelScheduled, nil, []string{"shutdown", "-c"}},
		{"darwin", PowerLock, nil, []string{"pmset", "displaysleepnow"}},
		{"darwin", PowerRestart, nil, []string{"shutdown", "-r", "now"}},
	}
	for _, tt := range tests {
		got, err := powerCommand(tt.goos, tt.action, tt.delay)
		require.NoError(t, err, "%s %s", tt.goos, tt.action)
		assert.Equal(t, tt.want, got, "%s %s", tt.goos, tt.action)
	}

	_, err := powerCommand("windows", PowerShutdown, secs(0))
	assert.ErrorIs(t, err, errInvalidDelay)
	_, err = powerCommand("linux", "hibernate", nil)
	assert.Error(t, err)
}

func TestPowerManagementHandler(t *testing.T) {
	r := &fakeRunner{}
	_, d := newTestAgent(t, Options{Run: r.run, GOOS: "windows"})

	resp := call(t, d, protocol.CmdPowerManagement, protocol.Params{"action": "shutdown", "seconds": float64(30)})
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, "Power management action shutdown initiated successfully", resp.Message)
	assert.Equal(t, [][]string{{"shutdown", "/s", "/t", "30"}}, r.calls)

	resp = call(t, d, protocol.CmdPowerManagement, protocol.Params{"action": "shutdown", "seconds": float64(-5)})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "invalid shutdown time")

	resp = call(t, d, protocol.CmdPowerManagement, protocol.Params{"action": "lock", "seconds": nil})
	assert.True(t, resp.OK(), resp.Message)

	r.code = 1
	resp = call(t, d, protocol.CmdPowerManagement, protocol.Params{"action": "restart"})
	assert.Equal(t, protocol.StatusError, resp.Status)
}

func TestSoftwareInventory(t *testing.T) {
	src := func(context.Context) ([]SoftwareEntry, error) {
		return []SoftwareEntry{
			{Name: "zsh", Version: "5.9"},
			{Name: "Firefox", Version: "128.0"},
			{Name: "firefox-locale", Version: ""},
			{Name: "Firefox", Version: "127.0"},
			{Name: "  "},
			{Name: "curl", Version: "8.5"},
		}, nil
	}
	_, d := newTestAgent(t, Options{Inventory: src})

	resp := call(t, d, protocol.CmdSoftwareInventory, nil)
	require.True(t, resp.OK(), resp.Message)
	var list []SoftwareEntry
	require.NoError(t, resp.Decode(&list))
	assert.Equal(t, []SoftwareEntry{
		{"curl", "8.5"}, {"Firefox", "128.0"}, {"firefox-locale", "N/A"}, {"zsh", "5.9"},
	}, list)

	resp = call(t, d, protocol.CmdSoftwareInventory, protocol.Params{"search": "FIRE"})
	require.NoError(t, resp.Decode(&list))
	assert.Len(t, list, 2)
}

func TestSoftwareInventoryError(t *testing.T) {
	src := func(context.Context) ([]SoftwareEntry, error) { return nil, errors.New("no supported package manager found") }
	_, d := newTestAgent(t, Options{Inventory: src})
	resp := call(t, d, protocol.CmdSoftwareInventory, nil)
	assert.Equal(t, "no supported package manager found", resp.Message)
}

func TestParseTabbed(t *testing.T) {
	entries := parseTabbed([]byte("bash\t5.2\n\nlibc6\t2.39-0ubuntu8\nnoversion\n"))
	assert.Equal(t, []SoftwareEntry{
		{"bash", "5.2"}, {"libc6", "2.39-0ubuntu8"}, {"noversion", ""},
	}, entries)
}

func TestAdvertiseIP(t *testing.T) {
	assert.Equal(t, "10.1.2.3", advertiseIP(net.ParseIP("10.1.2.3")))
	assert.NotEmpty(t, advertiseIP(net.IPv4zero))
}
