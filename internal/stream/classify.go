package stream

import (
	"image"
	"sync"
	"time"

	"github.com/avaropoint/netctl/internal/clock"
)

const (
	// DefaultQuality is the JPEG quality for full and content frames.
	DefaultQuality = 95

	// CursorQualityDrop is subtracted from the quality for cursor-only frames.
	CursorQualityDrop = 10

	// DiffThreshold is the grayscale difference above which a pixel counts
	// as changed.
	DiffThreshold = 8

	// CursorRegion is the edge of the region a cursor is assumed to cover.
	CursorRegion = 40

	// ForceInterval is the longest a viewer goes without an update.
	ForceInterval = 200 * time.Millisecond
)

// FrameKind is the classification of a captured frame.
type FrameKind int

const (
	FrameSuppressed FrameKind = iota
	FrameFull
	FrameCursor
	FrameContent
	FrameForced
)

func (k FrameKind) String() string {
	switch k {
	case FrameFull:
		return "full"
	case FrameCursor:
		return "cursor"
	case FrameContent:
		return "content"
	case FrameForced:
		return "forced"
	default:
		return "suppressed"
	}
}

// Decision is the outcome of classifying one frame.
type Decision struct {
	Kind    FrameKind
	Quality int
	Changed int
	Bounds  image.Rectangle
	// Forced is set when the liveness interval expired, whatever the Kind.
	Forced bool
}

// Send reports whether the frame should be transmitted.
func (d Decision) Send() bool { return d.Kind != FrameSuppressed }

// Classifier decides which captured frames are worth sending. The
// previous frame is only replaced by Commit, so suppressed frames keep
// accumulating differences against the last frame the viewer saw.
type Classifier struct {
	clock   clock.Clock
	quality int

	mu              sync.Mutex
	prev            *image.RGBA
	lastSignificant time.Time
}

// NewClassifier returns a classifier. A zero quality means DefaultQuality.
func NewClassifier(c clock.Clock, quality int) *Classifier {
	if c == nil {
		c = clock.RealClock{}
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Classifier{clock: c, quality: quality}
}

// Classify compares frame against the previous committed frame.
func (c *Classifier) Classify(frame *image.RGBA) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.prev == nil || !c.prev.Bounds().Eq(frame.Bounds()) {
		c.lastSignificant = now
		return Decision{Kind: FrameFull, Quality: c.quality, Bounds: frame.Bounds()}
	}

	forced := now.Sub(c.lastSignificant) > ForceInterval

	changed, bounds := diff(c.prev, frame)
	pixels := frame.Bounds().Dx() * frame.Bounds().Dy()
	minChange := pixels / 1000

	d := Decision{Changed: changed, Bounds: bounds, Forced: forced}
	area := bounds.Dx() * bounds.Dy()
	switch {
	case changed > 0 && area < CursorRegion*CursorRegion*4 && changed < minChange*2:
		d.Kind = FrameCursor
		d.Quality = c.quality - CursorQualityDrop
	case changed > minChange:
		d.Kind = FrameContent
		d.Quality = c.quality
		c.lastSignificant = now
	}

	if forced {
		if d.Kind == FrameSuppressed {
			d.Kind = FrameForced
			d.Quality = c.quality
		}
		c.lastSignificant = now
	}
	return d
}

// Commit stores frame as the one the viewer has last seen.
func (c *Classifier) Commit(frame *image.RGBA) {
	c.mu.Lock()
	c.prev = frame
	c.mu.Unlock()
}

// Reset forgets the previous frame so the next one is sent in full.
func (c *Classifier) Reset() {
	c.mu.Lock()
	c.prev = nil
	c.mu.Unlock()
}

// diff counts pixels whose grayscale absolute difference exceeds
// DiffThreshold and returns their bounding box. Both images must have the
// same bounds.
func diff(a, b *image.RGBA) (int, image.Rectangle) {
	r := a.Bounds()
	minX, minY := r.Max.X, r.Max.Y
	maxX, maxY := r.Min.X-1, r.Min.Y-1
	count := 0

	for y := r.Min.Y; y < r.Max.Y; y++ {
		ia := a.PixOffset(r.Min.X, y)
		ib := b.PixOffset(r.Min.X, y)
		for x := r.Min.X; x < r.Max.X; x, ia, ib = x+1, ia+4, ib+4 {
			dr := absDiff(a.Pix[ia], b.Pix[ib])
			dg := absDiff(a.Pix[ia+1], b.Pix[ib+1])
			db := absDiff(a.Pix[ia+2], b.Pix[ib+2])
			gray := (299*dr + 587*dg + 114*db + 500) / 1000
			if gray <= DiffThreshold {
				continue
			}
			count++
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if count == 0 {
		return 0, image.Rectangle{}
	}
	return count, image.Rect(minX, minY, maxX+1, maxY+1)
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
