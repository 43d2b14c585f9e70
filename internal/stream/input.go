package stream

import (
	"fmt"
	"log"
	"unicode"

	"github.com/avaropoint/netctl/internal/metrics"
	"github.com/avaropoint/netctl/internal/protocol"
)

// ScrollSensitivity is the number of wheel clicks per scroll event.
const ScrollSensitivity = 5

// Keymap translates keyboard scan codes to key names. Key names are
// lower-case: single characters for printable keys, otherwise names like
// "enter", "pageup" or "f5".
type Keymap struct {
	base    map[uint8]string
	shifted map[string]string

	// reverse tables used by Code
	codes   map[string]uint8
	unshift map[string]string
}

// NewKeymap builds a keymap from a scan-code table and a table of
// symbols produced by the same keys while shift is held.
func NewKeymap(base map[uint8]string, shifted map[string]string) *Keymap {
	km := &Keymap{
		base:    make(map[uint8]string, len(base)),
		shifted: make(map[string]string, len(shifted)),
		codes:   make(map[string]uint8, len(base)),
		unshift: make(map[string]string, len(shifted)),
	}
	for k, v := range base {
		km.base[k] = v
		// Keys present twice (keypad minus) resolve to the lowest code.
		if c, ok := km.codes[v]; !ok || k < c {
			km.codes[v] = k
		}
	}
	for k, v := range shifted {
		km.shifted[k] = v
		km.unshift[v] = k
	}
	return km
}

// DefaultKeymap returns the US layout.
func DefaultKeymap() *Keymap {
	return NewKeymap(usScanCodes, usShifted)
}

// Lookup returns the key name for code, or false when the code is unknown.
func (k *Keymap) Lookup(code uint8, shift bool) (string, bool) {
	key, ok := k.base[code]
	if !ok {
		return "", false
	}
	if shift {
		if s, ok := k.shifted[key]; ok {
			return s, true
		}
	}
	return key, true
}

// Code returns the scan code that types r and whether shift must be held.
func (k *Keymap) Code(r rune) (code uint8, shift bool, ok bool) {
	key := string(r)
	switch r {
	case ' ':
		key = "space"
	case '\n':
		key = "enter"
	case '\t':
		key = "tab"
	}
	if c, ok := k.codes[key]; ok {
		return c, false, true
	}
	if unicode.IsUpper(r) {
		if c, ok := k.codes[string(unicode.ToLower(r))]; ok {
			return c, true, true
		}
	}
	if base, ok := k.unshift[key]; ok {
		if c, ok := k.codes[base]; ok {
			return c, true, true
		}
	}
	return 0, false, false
}

var usScanCodes = map[uint8]string{
	30: "a", 48: "b", 46: "c", 32: "d", 18: "e", 33: "f", 34: "g", 35: "h",
	23: "i", 36: "j", 37: "k", 38: "l", 50: "m", 49: "n", 24: "o", 25: "p",
	16: "q", 19: "r", 31: "s", 20: "t", 22: "u", 47: "v", 17: "w", 45: "x",
	21: "y", 44: "z",
	2: "1", 3: "2", 4: "3", 5: "4", 6: "5", 7: "6", 8: "7", 9: "8", 10: "9", 11: "0",
	26: "[", 27: "]", 43: "\\", 39: ";", 40: "'", 41: "`", 51: ",", 52: ".", 53: "/",
	12: "-", 13: "=",
	28: "enter", 1: "esc", 14: "backspace", 15: "tab", 57: "space",
	42: "shift", 54: "rshift", 29: "ctrl", 56: "alt",
	72: "up", 80: "down", 75: "left", 77: "right",
	59: "f1", 60: "f2", 61: "f3", 62: "f4", 63: "f5", 64: "f6",
	65: "f7", 66: "f8", 67: "f9", 68: "f10", 87: "f11", 88: "f12",
	83: "delete", 71: "home", 79: "end", 81: "pagedown", 73: "pageup",
	55: "*", 74: "-", 78: "+",
}

var usShifted = map[string]string{
	"1": "!", "2": "@", "3": "#", "4": "$", "5": "%", "6": "^", "7": "&",
	"8": "*", "9": "(", "0": ")", "[": "{", "]": "}", "\\": "|", ";": ":",
	"'": "\"", "`": "~", ",": "<", ".": ">", "/": "?", "-": "_", "=": "+",
}

// InputHandler applies events from one viewer. It is not safe for
// concurrent use; each viewer's input loop owns its handler.
type InputHandler struct {
	keymap  *Keymap
	inj     Injector
	metrics *metrics.Registry
	shift   bool
}

// NewInputHandler returns a handler. A nil keymap means DefaultKeymap.
func NewInputHandler(km *Keymap, inj Injector, m *metrics.Registry) *InputHandler {
	if km == nil {
		km = DefaultKeymap()
	}
	if inj == nil {
		inj = NopInjector{}
	}
	return &InputHandler{keymap: km, inj: inj, metrics: m}
}

// Shift reports whether a shift key is held.
func (h *InputHandler) Shift() bool { return h.shift }

// Handle applies one event. Unknown scan codes are logged and ignored;
// the returned error is an injection failure.
func (h *InputHandler) Handle(ev protocol.InputEvent) error {
	if ev.Code == protocol.KeyShiftLeft || ev.Code == protocol.KeyShiftRight {
		h.shift = ev.Action == protocol.ActionDown
		h.metrics.InputEvent("shift")
		return nil
	}

	if !ev.IsMouse() {
		key, ok := h.keymap.Lookup(ev.Code, h.shift)
		if !ok {
			log.Printf("Unrecognized scan code: %d", ev.Code)
			h.metrics.InputEvent("unknown")
			return nil
		}
		h.metrics.InputEvent("key")
		switch ev.Action {
		case protocol.ActionDown:
			return h.inj.KeyDown(key)
		case protocol.ActionUp:
			return h.inj.KeyUp(key)
		}
		return nil
	}

	h.metrics.InputEvent("mouse")
	switch ev.Code {
	case protocol.MouseMove:
		return h.inj.MouseMove(int(ev.X), int(ev.Y))
	case protocol.MouseLeft:
		return h.button(ButtonLeft, ev.Action)
	case protocol.MouseRight:
		return h.button(ButtonRight, ev.Action)
	case protocol.MouseScroll:
		clicks := -ScrollSensitivity
		if ev.Action != 0 {
			clicks = ScrollSensitivity
		}
		return h.inj.Scroll(clicks)
	default:
		return fmt.Errorf("unknown mouse code %d", ev.Code)
	}
}

func (h *InputHandler) button(b Button, action uint8) error {
	switch action {
	case protocol.ActionDown:
		return h.inj.MouseButton(b, true)
	case protocol.ActionUp:
		return h.inj.MouseButton(b, false)
	}
	return nil
}
