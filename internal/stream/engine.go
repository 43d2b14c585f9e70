// Package stream implements the screen-streaming engine: a dedicated
// listener that pushes change-classified JPEG frames to each viewer and
// injects the viewer's keyboard and mouse events locally.
package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"net"
	"sync"
	"time"

	"github.com/avaropoint/netctl/internal/clock"
	"github.com/avaropoint/netctl/internal/metrics"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/registry"
	"github.com/google/uuid"
)

// Engine defaults.
const (
	DefaultAddr         = ":5900"
	DefaultInterval     = 66 * time.Millisecond
	DefaultGrace        = 2 * time.Second
	DefaultPollInterval = time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// ErrRunning is returned by Start on an engine that is already running.
var ErrRunning = errors.New("stream engine already running")

// Options configures an Engine.
type Options struct {
	Addr     string
	Capturer Capturer
	Encoder  Encoder
	Keymap   *Keymap
	Injector Injector
	Clock    clock.Clock
	Metrics  *metrics.Registry

	// Interval is the target time between captures.
	Interval time.Duration
	Quality  int
	// Grace bounds how long Stop waits for viewer goroutines.
	Grace time.Duration
	// PollInterval bounds each blocking read so Stop is noticed.
	PollInterval time.Duration
	WriteTimeout time.Duration
}

// Engine serves one stream listener and its viewers.
type Engine struct {
	opts    Options
	viewers *registry.Registry[string, *viewer]

	mu      sync.Mutex
	running bool
	ln      net.Listener
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates a stopped engine.
func NewEngine(opts Options) *Engine {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Capturer == nil {
		opts.Capturer = NewScreenCapturer()
	}
	if opts.Encoder == nil {
		opts.Encoder = JPEGEncoder{}
	}
	if opts.Keymap == nil {
		opts.Keymap = DefaultKeymap()
	}
	if opts.Injector == nil {
		opts.Injector = NopInjector{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Quality <= 0 {
		opts.Quality = DefaultQuality
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Engine{opts: opts, viewers: registry.New[string, *viewer]()}
}

// Start binds the stream listener and begins accepting viewers. It
// returns the bound address.
func (e *Engine) Start() (net.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, ErrRunning
	}

	ln, err := net.Listen("tcp", e.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", e.opts.Addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.ln = ln
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go e.acceptLoop(ctx, ln)

	log.Printf("Stream server started on %s", ln.Addr())
	return ln.Addr(), nil
}

// Running reports whether the engine is accepting viewers.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Addr returns the bound address, or nil when stopped.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// ViewerCount returns the number of connected viewers.
func (e *Engine) ViewerCount() int { return e.viewers.Len() }

// Stop closes the listener and every viewer, then waits up to the grace
// period for their goroutines. It reports whether the engine was running
// and is safe to call repeatedly.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return false
	}
	e.running = false
	e.cancel()
	ln := e.ln
	e.ln = nil
	e.mu.Unlock()

	_ = ln.Close()
	for _, v := range e.viewers.Snapshot() {
		v.close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.opts.Grace):
		log.Printf("WARNING: stream viewers did not exit within %s", e.opts.Grace)
	}

	log.Println("Stream server stopped")
	return true
}

func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) {
	defer e.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("Stream accept error: %v", err)
			}
			return
		}

		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			_ = conn.Close()
			return
		}
		v := &viewer{
			id:         uuid.New().String(),
			conn:       conn,
			classifier: NewClassifier(e.opts.Clock, e.opts.Quality),
		}
		e.viewers.Set(v.id, v)
		e.wg.Add(2)
		e.mu.Unlock()

		e.opts.Metrics.ViewerDelta(1)
		log.Printf("Viewer connected: %s (%s)", conn.RemoteAddr(), v.id)

		go e.serveDisplay(ctx, v)
		go e.serveInput(ctx, v)
	}
}

// viewer is one connected stream client. The display goroutine is the
// only writer; the input goroutine is the only reader.
type viewer struct {
	id         string
	conn       net.Conn
	classifier *Classifier

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (v *viewer) close() {
	v.closeOnce.Do(func() { _ = v.conn.Close() })
}

func (e *Engine) dropViewer(v *viewer) {
	v.close()
	if _, ok := e.viewers.Remove(v.id); ok {
		e.opts.Metrics.ViewerDelta(-1)
		log.Printf("Viewer disconnected: %s", v.id)
	}
}

func (e *Engine) serveDisplay(ctx context.Context, v *viewer) {
	defer e.wg.Done()
	defer e.dropViewer(v)

	var width, height int
	timer := time.NewTimer(0)
	defer timer.Stop()
	next := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		frame, err := e.opts.Capturer.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Frame capture error: %v", err)
		} else {
			b := frame.Bounds()
			if b.Dx() != width || b.Dy() != height {
				width, height = b.Dx(), b.Dy()
				if err := v.writeResolution(width, height, e.opts.WriteTimeout); err != nil {
					return
				}
			}
			if err := e.transmit(v, frame); err != nil {
				if ctx.Err() == nil {
					log.Printf("Viewer %s: %v", v.id, err)
				}
				return
			}
		}

		next = next.Add(e.opts.Interval)
		wait := time.Until(next)
		if wait < 0 {
			next = time.Now()
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (e *Engine) transmit(v *viewer, frame *image.RGBA) error {
	d := v.classifier.Classify(frame)
	if !d.Send() {
		e.opts.Metrics.FrameSuppressed()
		return nil
	}
	data, err := e.opts.Encoder.Encode(frame, d.Quality)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := v.writeImage(data, e.opts.WriteTimeout); err != nil {
		return err
	}
	v.classifier.Commit(frame)
	e.opts.Metrics.FrameSent(d.Kind.String(), len(data))
	return nil
}

func (v *viewer) writeResolution(w, h int, timeout time.Duration) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(timeout))
	return protocol.WriteResolution(v.conn, uint32(w), uint32(h))
}

func (v *viewer) writeImage(data []byte, timeout time.Duration) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(timeout))
	return protocol.WriteImage(v.conn, data)
}

func (e *Engine) serveInput(ctx context.Context, v *viewer) {
	defer e.wg.Done()
	defer e.dropViewer(v)

	tag := make([]byte, protocol.PlatformTagSize)
	if err := e.readFull(ctx, v.conn, tag); err != nil {
		return
	}
	log.Printf("Viewer %s platform: %s", v.id, tag)

	h := NewInputHandler(e.opts.Keymap, e.opts.Injector, e.opts.Metrics)
	buf := make([]byte, protocol.InputEventSize)
	for {
		if err := e.readFull(ctx, v.conn, buf); err != nil {
			return
		}
		ev, err := protocol.ParseInputEvent(buf)
		if err != nil {
			return
		}
		if err := h.Handle(ev); err != nil {
			log.Printf("Input processing error: %v", err)
		}
	}
}

// readFull fills buf, polling with a read deadline so that Stop is noticed
// while a viewer is idle. Bytes received before a timeout are kept.
func (e *Engine) readFull(ctx context.Context, conn net.Conn, buf []byte) error {
	n := 0
	for n < len(buf) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(e.opts.PollInterval))
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
	}
	return nil
}
