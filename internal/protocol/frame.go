package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream frame kinds.
const (
	FrameResolution byte = 0
	FrameImage      byte = 1
)

// MaxImageSize bounds a single encoded image on the streaming channel.
const MaxImageSize = 32 << 20

// StreamFrame is one record on the streaming channel. Width and Height
// are set for resolution frames, Image for image frames.
type StreamFrame struct {
	Kind   byte
	Width  uint32
	Height uint32
	Image  []byte
}

// WriteResolution writes a resolution frame.
func WriteResolution(w io.Writer, width, height uint32) error {
	var buf [9]byte
	buf[0] = FrameResolution
	binary.BigEndian.PutUint32(buf[1:5], width)
	binary.BigEndian.PutUint32(buf[5:9], height)
	_, err := w.Write(buf[:])
	return classify(err)
}

// WriteImage writes an image frame as a single write so that frames
// from one writer never interleave.
func WriteImage(w io.Writer, img []byte) error {
	if len(img) > MaxImageSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 5, 5+len(img))
	frame[0] = FrameImage
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(img)))
	frame = append(frame, img...)
	_, err := w.Write(frame)
	return classify(err)
}

// ReadStreamFrame reads the next frame from r.
func ReadStreamFrame(r io.Reader) (StreamFrame, error) {
	var f StreamFrame

	kind := make([]byte, 1)
	if _, err := io.ReadFull(r, kind); err != nil {
		return f, classify(err)
	}
	f.Kind = kind[0]

	switch f.Kind {
	case FrameResolution:
		dims := make([]byte, 8)
		if _, err := io.ReadFull(r, dims); err != nil {
			return f, classify(err)
		}
		f.Width = binary.BigEndian.Uint32(dims[0:4])
		f.Height = binary.BigEndian.Uint32(dims[4:8])
	case FrameImage:
		ext := make([]byte, 4)
		if _, err := io.ReadFull(r, ext); err != nil {
			return f, classify(err)
		}
		length := binary.BigEndian.Uint32(ext)
		if length > MaxImageSize {
			return f, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
		}
		f.Image = make([]byte, length)
		if _, err := io.ReadFull(r, f.Image); err != nil {
			return f, classify(err)
		}
	default:
		return f, fmt.Errorf("%w: %d", ErrUnknownFrame, f.Kind)
	}
	return f, nil
}
