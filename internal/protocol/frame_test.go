package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolutionFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResolution(&buf, 1920, 1080))
	assert.Equal(t, []byte{0, 0, 0, 0x07, 0x80, 0, 0, 0x04, 0x38}, buf.Bytes())
}

func TestStreamFramesInOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResolution(&buf, 800, 600))
	require.NoError(t, WriteImage(&buf, []byte{0xff, 0xd8, 0xff}))

	f, err := ReadStreamFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameResolution, f.Kind)
	assert.EqualValues(t, 800, f.Width)
	assert.EqualValues(t, 600, f.Height)

	f, err = ReadStreamFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameImage, f.Kind)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, f.Image)

	_, err = ReadStreamFrame(&buf)
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestReadStreamFrameRejectsUnknownKind(t *testing.T) {
	_, err := ReadStreamFrame(bytes.NewReader([]byte{7}))
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestReadStreamFrameRejectsOversizedImage(t *testing.T) {
	_, err := ReadStreamFrame(bytes.NewReader([]byte{FrameImage, 0xff, 0xff, 0xff, 0xff}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestInputEventWireForm(t *testing.T) {
	ev := InputEvent{Code: MouseMove, Action: 0, X: 300, Y: 2}
	b := ev.Encode()
	assert.Equal(t, []byte{204, 0, 0x01, 0x2c, 0x00, 0x02}, b)

	back, err := ParseInputEvent(b)
	require.NoError(t, err)
	assert.Equal(t, ev, back)
	assert.True(t, back.IsMouse())

	_, err = ParseInputEvent(b[:5])
	assert.ErrorIs(t, err, ErrShortEvent)
}

func TestPlatformTag(t *testing.T) {
	assert.Equal(t, "win", PlatformTag("windows"))
	assert.Equal(t, "mac", PlatformTag("darwin"))
	assert.Equal(t, "lin", PlatformTag("linux"))
	assert.Len(t, PlatformTag("freebsd"), PlatformTagSize)
}
