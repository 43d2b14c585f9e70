package protocol

import (
	"encoding/binary"
	"io"
)

// Input channel sizes.
const (
	InputEventSize  = 6
	PlatformTagSize = 3
)

// Actions and codes carried by input events.
const (
	ActionDown = 100
	ActionUp   = 117

	KeyShiftLeft  = 42
	KeyShiftRight = 54

	// Codes at or above MouseThreshold are mouse events; below are scan codes.
	MouseThreshold = 200
	MouseLeft      = 201
	MouseScroll    = 202
	MouseRight     = 203
	MouseMove      = 204
)

// Platform tags sent once by a viewer before any input events.
const (
	PlatformWindows = "win"
	PlatformLinux   = "lin"
	PlatformMac     = "mac"
)

// PlatformTag maps a GOOS value to its 3-byte tag.
func PlatformTag(goos string) string {
	switch goos {
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformMac
	default:
		return PlatformLinux
	}
}

// InputEvent is one keyboard or mouse event from a viewer.
type InputEvent struct {
	Code   uint8
	Action uint8
	X      uint16
	Y      uint16
}

// Encode returns the 6-byte wire form of e.
func (e InputEvent) Encode() []byte {
	b := make([]byte, InputEventSize)
	b[0] = e.Code
	b[1] = e.Action
	binary.BigEndian.PutUint16(b[2:4], e.X)
	binary.BigEndian.PutUint16(b[4:6], e.Y)
	return b
}

// IsMouse reports whether e is a mouse event.
func (e InputEvent) IsMouse() bool { return e.Code >= MouseThreshold }

// ParseInputEvent decodes exactly InputEventSize bytes.
func ParseInputEvent(b []byte) (InputEvent, error) {
	if len(b) != InputEventSize {
		return InputEvent{}, ErrShortEvent
	}
	return InputEvent{
		Code:   b[0],
		Action: b[1],
		X:      binary.BigEndian.Uint16(b[2:4]),
		Y:      binary.BigEndian.Uint16(b[4:6]),
	}, nil
}

// ReadInputEvent reads the next event from r.
func ReadInputEvent(r io.Reader) (InputEvent, error) {
	buf := make([]byte, InputEventSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return InputEvent{}, classify(err)
	}
	return ParseInputEvent(buf)
}
