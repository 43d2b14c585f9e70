package stream

import (
	"bytes"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/avaropoint/netctl/internal/logging"
)

// Button is a mouse button.
type Button int

const (
	ButtonLeft Button = iota
	ButtonRight
)

// Injector synthesizes keyboard and mouse input on the local desktop.
type Injector interface {
	KeyDown(key string) error
	KeyUp(key string) error
	MouseMove(x, y int) error
	MouseButton(b Button, down bool) error
	// Scroll scrolls by clicks; positive is up.
	Scroll(clicks int) error
}

// Runner runs an external command.
type Runner func(name string, args ...string) error

func execRunner(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(out))
	}
	return nil
}

// NewInjector picks the injector for goos. When the required tool is not
// installed a warning is logged and input is dropped.
func NewInjector(goos string) Injector {
	switch goos {
	case "linux":
		if _, err := exec.LookPath("xdotool"); err != nil {
			log.Println("WARNING: xdotool not found. Install with: sudo apt install xdotool")
			return NopInjector{}
		}
		log.Println("Input control: xdotool found")
		return &XdotoolInjector{Run: execRunner}
	case "darwin":
		if _, err := exec.LookPath("cliclick"); err != nil {
			log.Println("WARNING: cliclick not found. Install with: brew install cliclick")
			log.Println("Then grant Accessibility permissions in System Preferences")
			return NopInjector{}
		}
		log.Println("Input control: cliclick found")
		return &CliclickInjector{Run: execRunner, Scale: 2}
	case "windows":
		return &PowerShellInjector{Run: execRunner}
	default:
		log.Printf("Input injection not supported on %s", goos)
		return NopInjector{}
	}
}

// NopInjector drops every event.
type NopInjector struct{}

func (NopInjector) KeyDown(key string) error {
	logging.Debugf("Dropped key down %q", key)
	return nil
}

func (NopInjector) KeyUp(string) error { return nil }

func (NopInjector) MouseMove(int, int) error { return nil }

func (NopInjector) MouseButton(Button, bool) error { return nil }

func (NopInjector) Scroll(int) error { return nil }

// ---------------------------------------------------------------------------
// Linux (xdotool)
// ---------------------------------------------------------------------------

// XdotoolInjector drives X11 through xdotool.
type XdotoolInjector struct {
	Run Runner
}

var xdotoolKeys = map[string]string{
	"enter": "Return", "esc": "Escape", "backspace": "BackSpace", "tab": "Tab",
	"space": "space", "shift": "Shift_L", "rshift": "Shift_R", "ctrl": "Control_L",
	"alt": "Alt_L", "up": "Up", "down": "Down", "left": "Left", "right": "Right",
	"delete": "Delete", "home": "Home", "end": "End", "pagedown": "Next", "pageup": "Prior",
	"[": "bracketleft", "]": "bracketright", "\\": "backslash", ";": "semicolon",
	"'": "apostrophe", "`": "grave", ",": "comma", ".": "period", "/": "slash",
	"-": "minus", "=": "equal", "*": "asterisk", "+": "plus",
	"!": "exclam", "@": "at", "#": "numbersign", "$": "dollar", "%": "percent",
	"^": "asciicircum", "&": "ampersand", "(": "parenleft", ")": "parenright",
	"{": "braceleft", "}": "braceright", "|": "bar", ":": "colon", "\"": "quotedbl",
	"~": "asciitilde", "<": "less", ">": "greater", "?": "question", "_": "underscore",
}

func xdotoolKey(key string) string {
	if k, ok := xdotoolKeys[key]; ok {
		return k
	}
	if len(key) > 1 && key[0] == 'f' {
		return "F" + key[1:]
	}
	return key
}

func (x *XdotoolInjector) KeyDown(key string) error {
	return x.Run("xdotool", "keydown", xdotoolKey(key))
}

func (x *XdotoolInjector) KeyUp(key string) error {
	return x.Run("xdotool", "keyup", xdotoolKey(key))
}

func (x *XdotoolInjector) MouseMove(px, py int) error {
	return x.Run("xdotool", "mousemove", strconv.Itoa(px), strconv.Itoa(py))
}

func (x *XdotoolInjector) MouseButton(b Button, down bool) error {
	button := "1"
	if b == ButtonRight {
		button = "3"
	}
	if down {
		return x.Run("xdotool", "mousedown", button)
	}
	return x.Run("xdotool", "mouseup", button)
}

func (x *XdotoolInjector) Scroll(clicks int) error {
	button := "4"
	if clicks < 0 {
		button = "5"
		clicks = -clicks
	}
	if clicks == 0 {
		return nil
	}
	return x.Run("xdotool", "click", "--repeat", strconv.Itoa(clicks), button)
}

// ---------------------------------------------------------------------------
// macOS (cliclick + osascript)
// ---------------------------------------------------------------------------

// CliclickInjector drives the macOS pointer with cliclick and types keys
// through System Events. Keys are only typed on key down.
type CliclickInjector struct {
	Run Runner
	// Scale divides incoming coordinates; Retina displays use 2.
	Scale int

	mu   sync.Mutex
	x, y int
}

var macKeyCodes = map[string]int{
	"enter": 36, "tab": 48, "backspace": 51, "esc": 53, "space": 49,
	"up": 126, "down": 125, "left": 123, "right": 124,
	"delete": 117, "home": 115, "end": 119, "pageup": 116, "pagedown": 121,
	"f1": 122, "f2": 120, "f3": 99, "f4": 118, "f5": 96, "f6": 97,
	"f7": 98, "f8": 100, "f9": 101, "f10": 109, "f11": 103, "f12": 111,
}

func (c *CliclickInjector) KeyDown(key string) error {
	var script string
	if code, ok := macKeyCodes[key]; ok {
		script = fmt.Sprintf(`tell application "System Events" to key code %d`, code)
	} else if len(key) == 1 {
		esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(key)
		script = fmt.Sprintf(`tell application "System Events" to keystroke "%s"`, esc)
	} else {
		// Modifiers are not held on macOS.
		return nil
	}
	return c.Run("osascript", "-e", script)
}

func (c *CliclickInjector) KeyUp(string) error { return nil }

func (c *CliclickInjector) point() string {
	return fmt.Sprintf("%d,%d", c.x, c.y)
}

func (c *CliclickInjector) MouseMove(x, y int) error {
	scale := c.Scale
	if scale <= 0 {
		scale = 1
	}
	c.mu.Lock()
	c.x, c.y = x/scale, y/scale
	p := c.point()
	c.mu.Unlock()
	return c.Run("cliclick", "m:"+p)
}

func (c *CliclickInjector) MouseButton(b Button, down bool) error {
	c.mu.Lock()
	p := c.point()
	c.mu.Unlock()

	if b == ButtonRight {
		if down {
			return nil
		}
		return c.Run("cliclick", "rc:"+p)
	}
	if down {
		return c.Run("cliclick", "dd:"+p)
	}
	return c.Run("cliclick", "du:"+p)
}

func (c *CliclickInjector) Scroll(int) error {
	logging.Debugf("Scroll is not supported by cliclick")
	return nil
}

// ---------------------------------------------------------------------------
// Windows (PowerShell)
// ---------------------------------------------------------------------------

// Windows mouse_event flags.
const (
	mouseLeftDown  = "0x0002"
	mouseLeftUp    = "0x0004"
	mouseRightDown = "0x0008"
	mouseRightUp   = "0x0010"
	mouseWheel     = "0x0800"
	wheelDelta     = 120
)

// PowerShellInjector drives Windows input through PowerShell. Keys are
// sent with SendKeys on key down only.
type PowerShellInjector struct {
	Run Runner

	mu   sync.Mutex
	x, y int
}

var sendKeys = map[string]string{
	"enter": "{ENTER}", "tab": "{TAB}", "backspace": "{BACKSPACE}", "esc": "{ESC}",
	"space": " ", "up": "{UP}", "down": "{DOWN}", "left": "{LEFT}", "right": "{RIGHT}",
	"delete": "{DELETE}", "home": "{HOME}", "end": "{END}", "pageup": "{PGUP}", "pagedown": "{PGDN}",
	"+": "{+}", "^": "{^}", "%": "{%}", "~": "{~}", "(": "{(}", ")": "{)}",
	"{": "{{}", "}": "{}}", "[": "{[}", "]": "{]}",
}

func (p *PowerShellInjector) KeyDown(key string) error {
	send, ok := sendKeys[key]
	switch {
	case ok:
	case len(key) > 1 && key[0] == 'f':
		send = "{F" + key[1:] + "}"
	case len(key) == 1:
		send = key
	default:
		return nil
	}
	send = strings.ReplaceAll(send, "'", "''")
	ps := fmt.Sprintf(`
Add-Type -AssemblyName System.Windows.Forms
[System.Windows.Forms.SendKeys]::SendWait('%s')
`, send)
	return p.Run("powershell", "-NoProfile", "-Command", ps)
}

func (p *PowerShellInjector) KeyUp(string) error { return nil }

func (p *PowerShellInjector) MouseMove(x, y int) error {
	p.mu.Lock()
	p.x, p.y = x, y
	p.mu.Unlock()
	return p.Run("powershell", "-NoProfile", "-Command", windowsMouseScript(x, y, "", 0))
}

func (p *PowerShellInjector) MouseButton(b Button, down bool) error {
	var flag string
	switch {
	case b == ButtonLeft && down:
		flag = mouseLeftDown
	case b == ButtonLeft:
		flag = mouseLeftUp
	case down:
		flag = mouseRightDown
	default:
		flag = mouseRightUp
	}
	p.mu.Lock()
	x, y := p.x, p.y
	p.mu.Unlock()
	return p.Run("powershell", "-NoProfile", "-Command", windowsMouseScript(x, y, flag, 0))
}

func (p *PowerShellInjector) Scroll(clicks int) error {
	p.mu.Lock()
	x, y := p.x, p.y
	p.mu.Unlock()
	return p.Run("powershell", "-NoProfile", "-Command", windowsMouseScript(x, y, mouseWheel, clicks*wheelDelta))
}

// windowsMouseScript builds a PowerShell script that moves the cursor to
// (x, y) and optionally fires a mouse_event with the given flags.
func windowsMouseScript(x, y int, flag string, data int) string {
	base := fmt.Sprintf(`
Add-Type -AssemblyName System.Windows.Forms
[System.Windows.Forms.Cursor]::Position = New-Object System.Drawing.Point(%d, %d)
`, x, y)
	if flag == "" {
		return base
	}
	return base + fmt.Sprintf(`$signature = @"
[DllImport("user32.dll")]
public static extern void mouse_event(int dwFlags, int dx, int dy, int dwData, int dwExtraInfo);
"@
$mouse = Add-Type -MemberDefinition $signature -Name "MouseEvent" -Namespace "Win32" -PassThru
$mouse::mouse_event(%s, 0, 0, %d, 0)
`, flag, data)
}
