package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// MaxBlobSize bounds a single encrypted command or response token.
const MaxBlobSize = 16 << 20

const blobDelim = '\n'

// BlobConn carries self-delimiting encrypted tokens over a stream socket.
// Each token is printable text terminated by a newline, so a reader never
// needs a length prefix. Reads and writes may run concurrently with each
// other, but only one goroutine may call Receive at a time.
type BlobConn struct {
	conn    net.Conn
	r       *bufio.Reader
	pending []byte

	wmu sync.Mutex
}

// NewBlobConn wraps conn. If r is non-nil it must be the reader that
// already consumed the handshake preamble from conn.
func NewBlobConn(conn net.Conn, r *bufio.Reader) *BlobConn {
	if r == nil {
		r = bufio.NewReader(conn)
	}
	return &BlobConn{conn: conn, r: r}
}

// Send writes one token. A zero timeout blocks until the write completes;
// otherwise ErrTimeout is returned if the peer does not drain it in time,
// and the connection should be closed.
func (b *BlobConn) Send(blob []byte, timeout time.Duration) error {
	if len(blob) > MaxBlobSize {
		return ErrBlobTooLarge
	}
	if bytes.IndexByte(blob, blobDelim) >= 0 {
		return fmt.Errorf("%w: token contains delimiter", ErrInvalidBlob)
	}

	frame := make([]byte, 0, len(blob)+1)
	frame = append(frame, blob...)
	frame = append(frame, blobDelim)

	b.wmu.Lock()
	defer b.wmu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := b.conn.SetWriteDeadline(deadline); err != nil {
		return classify(err)
	}
	_, err := b.conn.Write(frame)
	return classify(err)
}

// Receive reads one token. A zero timeout blocks until data or an error
// arrives. When the deadline expires ErrTimeout is returned and any
// partially read token is kept for the next call.
func (b *BlobConn) Receive(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := b.conn.SetReadDeadline(deadline); err != nil {
		return nil, classify(err)
	}

	for {
		chunk, err := b.r.ReadSlice(blobDelim)
		b.pending = append(b.pending, chunk...)
		if len(b.pending) > MaxBlobSize+1 {
			b.pending = nil
			return nil, ErrBlobTooLarge
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, classify(err)
		}

		blob := b.pending[:len(b.pending)-1]
		b.pending = nil
		return blob, nil
	}
}

// Reader exposes the buffered reader, used to read the handshake preamble.
func (b *BlobConn) Reader() *bufio.Reader { return b.r }

// Conn returns the underlying connection.
func (b *BlobConn) Conn() net.Conn { return b.conn }

// Close closes the underlying connection.
func (b *BlobConn) Close() error { return b.conn.Close() }

// classify maps socket errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return err
}
