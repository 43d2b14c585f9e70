package main

import (
	"errors"
	"log"

	"github.com/avaropoint/netctl/internal/controller"
)

// peerSet is the manager surface the reconciler needs.
type peerSet interface {
	AddAddress(addr string) (string, error)
	Remove(addr string) error
}

// reconciler keeps the configured peer list applied to the manager.
// Peers added from the console or the directory are left alone.
type reconciler struct {
	m    peerSet
	prev map[string]bool
}

func newReconciler(m peerSet) *reconciler {
	return &reconciler{m: m, prev: map[string]bool{}}
}

// apply adds new configured peers and removes ones dropped from config.
func (r *reconciler) apply(peers []string) (added, removed int) {
	next := map[string]bool{}
	for _, raw := range peers {
		addr, err := canonical(raw)
		if err != nil {
			log.Printf("Config peer %q: %v", raw, err)
			continue
		}
		next[addr] = true
		if r.prev[addr] {
			continue
		}
		if _, err := r.m.AddAddress(addr); err != nil {
			if !errors.Is(err, controller.ErrPeerExists) {
				log.Printf("Config peer %s: %v", addr, err)
			}
			continue
		}
		added++
	}
	for addr := range r.prev {
		if next[addr] {
			continue
		}
		if err := r.m.Remove(addr); err == nil {
			removed++
		}
	}
	r.prev = next
	return added, removed
}

func canonical(raw string) (string, error) {
	host, port, err := controller.SplitAddress(raw)
	if err != nil {
		return "", err
	}
	return controller.ParseAddress(host, port)
}
