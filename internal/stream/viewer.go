package stream

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/avaropoint/netctl/internal/protocol"
)

// DialTimeout bounds connecting to a stream server.
const DialTimeout = 3 * time.Second

// Viewer is the client side of a stream: it reads frames and sends input
// events.
type Viewer struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	mu            sync.Mutex
	width, height uint32
}

// DialViewer connects to a stream server and announces the platform tag.
func DialViewer(ctx context.Context, addr, platform string) (*Viewer, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	tag := make([]byte, protocol.PlatformTagSize)
	copy(tag, platform)
	_ = conn.SetWriteDeadline(time.Now().Add(DialTimeout))
	if _, err := conn.Write(tag); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send platform tag: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	return &Viewer{conn: conn, r: bufio.NewReaderSize(conn, 64<<10)}, nil
}

// Next blocks for the next frame. Resolution frames also update Size.
// A zero timeout waits forever; a timeout leaves the stream unusable.
func (v *Viewer) Next(timeout time.Duration) (protocol.StreamFrame, error) {
	if timeout > 0 {
		_ = v.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = v.conn.SetReadDeadline(time.Time{})
	}
	f, err := protocol.ReadStreamFrame(v.r)
	if err != nil {
		return f, err
	}
	if f.Kind == protocol.FrameResolution {
		v.mu.Lock()
		v.width, v.height = f.Width, f.Height
		v.mu.Unlock()
	}
	return f, nil
}

// Size returns the last announced screen size.
func (v *Viewer) Size() (uint32, uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.width, v.height
}

// Send writes one input event.
func (v *Viewer) Send(ev protocol.InputEvent) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	_, err := v.conn.Write(ev.Encode())
	return err
}

// Click moves the pointer to x,y and presses and releases button b.
func (v *Viewer) Click(x, y uint16, b Button) error {
	code := uint8(protocol.MouseLeft)
	if b == ButtonRight {
		code = protocol.MouseRight
	}
	return v.sendAll([]protocol.InputEvent{
		{Code: protocol.MouseMove, X: x, Y: y},
		{Code: code, Action: protocol.ActionDown, X: x, Y: y},
		{Code: code, Action: protocol.ActionUp, X: x, Y: y},
	})
}

// Type sends key presses for text using km (DefaultKeymap when nil).
// Nothing is sent if any character has no scan code.
func (v *Viewer) Type(km *Keymap, text string) error {
	if km == nil {
		km = DefaultKeymap()
	}
	var events []protocol.InputEvent
	for _, r := range text {
		code, shift, ok := km.Code(r)
		if !ok {
			return fmt.Errorf("no key for %q", r)
		}
		if shift {
			events = append(events, protocol.InputEvent{Code: protocol.KeyShiftLeft, Action: protocol.ActionDown})
		}
		events = append(events,
			protocol.InputEvent{Code: code, Action: protocol.ActionDown},
			protocol.InputEvent{Code: code, Action: protocol.ActionUp},
		)
		if shift {
			events = append(events, protocol.InputEvent{Code: protocol.KeyShiftLeft, Action: protocol.ActionUp})
		}
	}
	return v.sendAll(events)
}

func (v *Viewer) sendAll(events []protocol.InputEvent) error {
	for _, ev := range events {
		if err := v.Send(ev); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the connection.
func (v *Viewer) Close() error { return v.conn.Close() }
