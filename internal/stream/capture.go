package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // screenshot decoders
	_ "image/png"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const (
	testPatternWidth  = 800
	testPatternHeight = 600
)

// ErrCaptureUnavailable is returned when no screenshot tool works.
var ErrCaptureUnavailable = errors.New("screen capture unavailable")

// Capturer grabs the current screen contents.
type Capturer interface {
	Capture(ctx context.Context) (*image.RGBA, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context) (*image.RGBA, error)

// Capture calls f.
func (f CapturerFunc) Capture(ctx context.Context) (*image.RGBA, error) { return f(ctx) }

// ScreenCapturer shells out to the platform screenshot tool and decodes
// the result. When no tool works it falls back to a generated test
// pattern so viewers still see a live picture.
type ScreenCapturer struct {
	// Display selects the monitor on macOS (1-based).
	Display int

	fallback *TestPattern
	warnOnce sync.Once
}

// NewScreenCapturer returns a capturer for the primary display.
func NewScreenCapturer() *ScreenCapturer {
	return &ScreenCapturer{Display: 1, fallback: NewTestPattern(testPatternWidth, testPatternHeight)}
}

// Capture grabs one screenshot.
func (s *ScreenCapturer) Capture(ctx context.Context) (*image.RGBA, error) {
	img, err := s.captureCommand(ctx)
	if err == nil {
		return img, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.warnOnce.Do(func() {
		log.Printf("WARNING: screen capture failed (%v), streaming test pattern", err)
	})
	return s.fallback.Capture(ctx)
}

func (s *ScreenCapturer) captureCommand(ctx context.Context) (*image.RGBA, error) {
	tmpFile := filepath.Join(os.TempDir(), fmt.Sprintf("netctl_screen_%d.png", time.Now().UnixNano()))
	defer os.Remove(tmpFile) //nolint:errcheck

	var err error
	switch runtime.GOOS {
	case "darwin":
		err = exec.CommandContext(ctx, "screencapture", "-x", "-t", "png", "-C",
			"-D", fmt.Sprintf("%d", s.Display), tmpFile).Run()
	case "linux":
		err = captureLinux(ctx, tmpFile)
	case "windows":
		err = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", windowsCaptureScript(tmpFile)).Run()
	default:
		err = fmt.Errorf("%w on %s", ErrCaptureUnavailable, runtime.GOOS)
	}
	if err != nil {
		return nil, err
	}
	return decodeFile(tmpFile)
}

func captureLinux(ctx context.Context, tmpFile string) error {
	tools := [][]string{
		{"gnome-screenshot", "-f", tmpFile},
		{"scrot", "-o", tmpFile},
		{"import", "-window", "root", tmpFile},
	}
	for _, t := range tools {
		if err := exec.CommandContext(ctx, t[0], t[1:]...).Run(); err == nil {
			return nil
		}
	}
	return ErrCaptureUnavailable
}

func windowsCaptureScript(tmpFile string) string {
	return fmt.Sprintf(`
Add-Type -AssemblyName System.Windows.Forms
Add-Type -AssemblyName System.Drawing
$screen = [System.Windows.Forms.Screen]::PrimaryScreen.Bounds
$bitmap = New-Object System.Drawing.Bitmap($screen.Width, $screen.Height)
$graphics = [System.Drawing.Graphics]::FromImage($bitmap)
$graphics.CopyFromScreen($screen.Location, [System.Drawing.Point]::Empty, $screen.Size)
$bitmap.Save('%s', [System.Drawing.Imaging.ImageFormat]::Png)
$graphics.Dispose()
$bitmap.Dispose()
`, tmpFile)
}

func decodeFile(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return toRGBA(img), nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// TestPattern generates a gradient with a grid and a dot that moves
// across the screen once a minute.
type TestPattern struct {
	Width, Height int
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewTestPattern returns a pattern generator of the given size.
func NewTestPattern(width, height int) *TestPattern {
	return &TestPattern{Width: width, Height: height}
}

// Capture renders the pattern. It writes the pixel buffer directly.
func (p *TestPattern) Capture(context.Context) (*image.RGBA, error) {
	width, height := p.Width, p.Height
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid test pattern size %dx%d", width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	pix := img.Pix
	stride := img.Stride

	for y := 0; y < height; y++ {
		g := uint8(50 + (y * 100 / height))
		off := y * stride
		for x := 0; x < width; x++ {
			i := off + x*4
			pix[i+0] = uint8(50 + (x * 100 / width))
			pix[i+1] = g
			pix[i+2] = 100
			pix[i+3] = 255
		}
	}

	for x := 0; x < width; x += 50 {
		for y := 0; y < height; y++ {
			i := y*stride + x*4
			pix[i], pix[i+1], pix[i+2] = 255, 255, 255
		}
	}
	for y := 0; y < height; y += 50 {
		off := y * stride
		for x := 0; x < width; x++ {
			i := off + x*4
			pix[i], pix[i+1], pix[i+2] = 255, 255, 255
		}
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cx := (now().Second() * width) / 60
	for dy := -5; dy <= 5; dy++ {
		for dx := -5; dx <= 5; dx++ {
			if dx*dx+dy*dy > 25 {
				continue
			}
			px, py := cx+dx, height/2+dy
			if px >= 0 && px < width && py >= 0 && py < height {
				i := py*stride + px*4
				pix[i], pix[i+1], pix[i+2] = 255, 100, 100
			}
		}
	}
	return img, nil
}
