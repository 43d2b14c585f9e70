package controller

import (
	"fmt"
	"time"
)

// Event reports a peer status change to the UI consumer.
type Event struct {
	Peer   string    `json:"peer"`
	State  State     `json:"state"`
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Peer, e.State, e.Status)
}

// Events returns the channel status events are published on. There is
// one channel per manager; it is never closed while the manager runs.
func (m *Manager) Events() <-chan Event { return m.events }

// publish never blocks. When the consumer falls behind, events are dropped.
func (m *Manager) publish(addr string, state State, status string) {
	m.opts.Metrics.Transition(state.String())

	ev := Event{Peer: addr, State: state, Status: status, Time: m.opts.Clock.Now()}
	select {
	case m.events <- ev:
	default:
		m.opts.Metrics.EventDropped()
	}
}
