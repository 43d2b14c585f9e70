package main

import (
	"encoding/json"
	"net/http"

	"github.com/avaropoint/netctl/internal/controller"
	"github.com/avaropoint/netctl/internal/metrics"
	"github.com/avaropoint/netctl/internal/security"
)

// handleListPeers returns a JSON list of every managed agent.
func handleListPeers(m *controller.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Peers()) //nolint:errcheck
	}
}

// apiMux serves the status API behind API key auth and the metrics.
func apiMux(m *controller.Manager, reg *metrics.Registry, auth *security.AuthMiddleware) *http.ServeMux {
	mux := reg.Mux()
	mux.Handle("/api/peers", auth.Wrap(handleListPeers(m)))
	return mux
}
