package agent

import (
	"context"
	"sort"
	"strings"

	"github.com/avaropoint/netctl/internal/protocol"
)

// SoftwareEntry is one installed program.
type SoftwareEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InventorySource lists installed software.
type InventorySource func(ctx context.Context) ([]SoftwareEntry, error)

func (a *Agent) handleSoftwareInventory(ctx context.Context, p protocol.Params) (protocol.Result, error) {
	entries, err := a.opts.Inventory(ctx)
	if err != nil {
		return protocol.Result{}, err
	}
	list := filterInventory(entries, p.String("search", ""))
	return protocol.Result{Data: list}, nil
}

// filterInventory drops blank and duplicate names, keeps the entries whose
// name contains search (case-insensitive) and sorts by name.
func filterInventory(entries []SoftwareEntry, search string) []SoftwareEntry {
	search = strings.ToLower(strings.TrimSpace(search))
	seen := make(map[string]struct{}, len(entries))
	out := make([]SoftwareEntry, 0, len(entries))
	for _, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		if _, dup := seen[e.Name]; dup {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Name), search) {
			continue
		}
		seen[e.Name] = struct{}{}
		if e.Version = strings.TrimSpace(e.Version); e.Version == "" {
			e.Version = "N/A"
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// parseTabbed parses "name\tversion" lines as printed by dpkg-query and rpm.
func parseTabbed(out []byte) []SoftwareEntry {
	var entries []SoftwareEntry
	for _, line := range strings.Split(string(out), "\n") {
		name, ver, _ := strings.Cut(strings.TrimSpace(line), "\t")
		if name == "" {
			continue
		}
		entries = append(entries, SoftwareEntry{Name: name, Version: ver})
	}
	return entries
}
