// Package controller manages a controller's connections to many agents:
// lifecycle state per peer, exponential reconnect backoff, a background
// health prober and a stream of status events for the UI.
package controller

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of one peer connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := Disconnected; st <= Reconnecting; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Controller errors.
var (
	ErrPeerExists          = errors.New("peer already exists")
	ErrUnknownPeer         = errors.New("unknown peer")
	ErrNotConnected        = errors.New("peer not connected")
	ErrInvalidAddress      = errors.New("invalid peer address")
	ErrFingerprintMismatch = errors.New("certificate fingerprint changed")
)

// Defaults.
const (
	DefaultMaxBackoff    = 60 * time.Second
	DefaultProbeInterval = 5 * time.Second
	DefaultIdleThreshold = 30 * time.Second
	DefaultEventBuffer   = 256
)

// Backoff returns the delay before retry number failures:
// min(2^failures seconds, max).
func Backoff(failures int, max time.Duration) time.Duration {
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if failures < 0 {
		failures = 0
	}
	if failures > 30 {
		return max
	}
	d := time.Second << uint(failures)
	if d > max {
		return max
	}
	return d
}
