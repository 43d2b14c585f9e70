package stream

import (
	"bytes"
	"image"
	"image/jpeg"
)

// Encoder turns a captured frame into image bytes for the wire.
type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
}

// JPEGEncoder encodes frames as baseline JPEG.
type JPEGEncoder struct{}

// Encode encodes img at the given quality (1-100).
func (JPEGEncoder) Encode(img image.Image, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	} else if quality > 100 {
		quality = 100
	}
	b := img.Bounds()
	var buf bytes.Buffer
	buf.Grow(b.Dx() * b.Dy() / 4)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
