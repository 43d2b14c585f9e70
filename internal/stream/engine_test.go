package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net"
	"testing"
	"time"

	"github.com/avaropoint/netctl/internal/metrics"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEngine(t *testing.T, opts Options) (*Engine, string) {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Capturer == nil {
		opts.Capturer = NewTestPattern(64, 48)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	e := NewEngine(opts)
	addr, err := e.Start()
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })
	return e, addr.String()
}

func dialViewer(t *testing.T, addr string) *Viewer {
	t.Helper()
	v, err := DialViewer(context.Background(), addr, protocol.PlatformLinux)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestResolutionFrameFirst(t *testing.T) {
	m := metrics.New()
	_, addr := startEngine(t, Options{Metrics: m})
	v := dialViewer(t, addr)

	f, err := v.Next(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameResolution, f.Kind)
	assert.Equal(t, uint32(64), f.Width)
	assert.Equal(t, uint32(48), f.Height)
	w, h := v.Size()
	assert.Equal(t, uint32(64), w)
	assert.Equal(t, uint32(48), h)

	f, err = v.Next(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.FrameImage, f.Kind)
	img, err := jpeg.Decode(bytes.NewReader(f.Image))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.StreamFrames.WithLabelValues("full")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTinyScreenResolution(t *testing.T) {
	_, addr := startEngine(t, Options{Capturer: NewTestPattern(1, 1)})
	v := dialViewer(t, addr)

	f, err := v.Next(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameResolution, f.Kind)
	assert.Equal(t, uint32(1), f.Width)
	assert.Equal(t, uint32(1), f.Height)
}

func TestResolutionChangeResent(t *testing.T) {
	frames := []*image.RGBA{solid(32, 24, grey), solid(48, 36, grey)}
	i := 0
	capt := CapturerFunc(func(context.Context) (*image.RGBA, error) {
		f := frames[i]
		if i < len(frames)-1 {
			i++
		}
		return f, nil
	})
	_, addr := startEngine(t, Options{Capturer: capt})
	v := dialViewer(t, addr)

	kinds := []byte{}
	for len(kinds) < 4 {
		f, err := v.Next(2 * time.Second)
		require.NoError(t, err)
		kinds = append(kinds, f.Kind)
	}
	assert.Equal(t, []byte{
		protocol.FrameResolution, protocol.FrameImage,
		protocol.FrameResolution, protocol.FrameImage,
	}, kinds)
	w, h := v.Size()
	assert.Equal(t, uint32(48), w)
	assert.Equal(t, uint32(36), h)
}

func TestInputEventsReachInjector(t *testing.T) {
	rec := &recorder{}
	m := metrics.New()
	_, addr := startEngine(t, Options{Injector: rec, Metrics: m})
	v := dialViewer(t, addr)

	require.NoError(t, v.Send(ev(protocol.MouseMove, 0, 10, 20)))
	require.NoError(t, v.Send(ev(30, protocol.ActionDown, 0, 0)))

	assert.Eventually(t, func() bool { return len(rec.Calls()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"move:10,20", "down:a"}, rec.Calls())
}

func TestViewerClickAndType(t *testing.T) {
	rec := &recorder{}
	_, addr := startEngine(t, Options{Injector: rec})
	v := dialViewer(t, addr)

	require.NoError(t, v.Click(10, 20, ButtonRight))
	require.NoError(t, v.Type(nil, "Hi!"))
	assert.Error(t, v.Type(nil, "é"))

	want := []string{
		"move:10,20", "button:1:true", "button:1:false",
		"down:h", "up:h", "down:i", "up:i", "down:!", "up:!",
	}
	assert.Eventually(t, func() bool { return len(rec.Calls()) == len(want) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, rec.Calls())
}

func TestStopIsIdempotentAndClosesViewers(t *testing.T) {
	m := metrics.New()
	e, addr := startEngine(t, Options{Metrics: m})
	v := dialViewer(t, addr)
	_, err := v.Next(2 * time.Second)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return e.ViewerCount() == 1 }, time.Second, 10*time.Millisecond)

	assert.True(t, e.Stop())
	assert.False(t, e.Running())
	assert.Nil(t, e.Addr())
	assert.False(t, e.Stop())

	for {
		if _, err := v.Next(2 * time.Second); err != nil {
			assert.False(t, errors.Is(err, protocol.ErrTimeout))
			break
		}
	}
	assert.Equal(t, 0, e.ViewerCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StreamViewers))

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestStartWhileRunning(t *testing.T) {
	e, _ := startEngine(t, Options{})
	_, err := e.Start()
	assert.ErrorIs(t, err, ErrRunning)
}

func TestBindFailureLeavesEngineStopped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	e := NewEngine(Options{Addr: ln.Addr().String(), Capturer: NewTestPattern(8, 8)})
	_, err = e.Start()
	require.Error(t, err)
	assert.False(t, e.Running())
	assert.False(t, e.Stop())
}

func TestCaptureErrorKeepsViewer(t *testing.T) {
	calls := 0
	capt := CapturerFunc(func(context.Context) (*image.RGBA, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("display busy")
		}
		return solid(16, 16, grey), nil
	})
	_, addr := startEngine(t, Options{Capturer: capt})
	v := dialViewer(t, addr)

	f, err := v.Next(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameResolution, f.Kind)
}
