package protocol

import "errors"

// Sentinel errors. Callers match them with errors.Is.
var (
	// ErrTimeout means a read or write deadline expired. On an idle
	// server connection a receive timeout is not a failure.
	ErrTimeout = errors.New("receive timeout")

	// ErrPeerClosed means the remote end closed the connection.
	ErrPeerClosed = errors.New("peer closed connection")

	ErrBlobTooLarge    = errors.New("blob exceeds maximum size")
	ErrInvalidBlob     = errors.New("invalid blob")
	ErrDecrypt         = errors.New("decrypt failed")
	ErrDigestMismatch  = errors.New("digest mismatch")
	ErrInvalidPreamble = errors.New("invalid handshake preamble")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrUnknownFrame    = errors.New("unknown frame kind")
	ErrShortEvent      = errors.New("input event must be 6 bytes")
	ErrCommandFailed   = errors.New("command failed")
)
