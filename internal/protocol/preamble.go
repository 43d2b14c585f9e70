package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Handshake sizes.
const (
	SessionKeySize     = 44
	MaxCertificateSize = 1 << 20
)

// Preamble is what an agent sends right after accepting a connection:
// its certificate (possibly empty) and the session key for this connection.
type Preamble struct {
	Certificate []byte
	Key         []byte
}

// WritePreamble writes [u32 BE cert length][cert][key] in one write.
func WritePreamble(w io.Writer, p Preamble) error {
	if len(p.Key) != SessionKeySize {
		return fmt.Errorf("%w: key is %d bytes", ErrInvalidPreamble, len(p.Key))
	}
	if len(p.Certificate) > MaxCertificateSize {
		return fmt.Errorf("%w: certificate too large", ErrInvalidPreamble)
	}

	buf := make([]byte, 4, 4+len(p.Certificate)+len(p.Key))
	binary.BigEndian.PutUint32(buf, uint32(len(p.Certificate)))
	buf = append(buf, p.Certificate...)
	buf = append(buf, p.Key...)
	_, err := w.Write(buf)
	return classify(err)
}

// ReadPreamble reads the handshake preamble from r.
func ReadPreamble(r io.Reader) (Preamble, error) {
	var p Preamble

	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return p, classify(err)
	}
	n := binary.BigEndian.Uint32(header)
	if n > MaxCertificateSize {
		return p, fmt.Errorf("%w: certificate length %d", ErrInvalidPreamble, n)
	}

	if n > 0 {
		p.Certificate = make([]byte, n)
		if _, err := io.ReadFull(r, p.Certificate); err != nil {
			return p, classify(err)
		}
	}

	p.Key = make([]byte, SessionKeySize)
	if _, err := io.ReadFull(r, p.Key); err != nil {
		return p, classify(err)
	}
	return p, nil
}
