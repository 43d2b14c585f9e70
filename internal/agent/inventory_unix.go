//go:build !windows

package agent

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultInventory lists packages from dpkg or rpm on Linux and the
// application bundles on macOS.
func DefaultInventory(ctx context.Context) ([]SoftwareEntry, error) {
	if runtime.GOOS == "darwin" {
		return listApplications("/Applications")
	}

	if out, err := exec.CommandContext(ctx, "dpkg-query", "-W", "-f=${Package}\t${Version}\n").Output(); err == nil {
		return parseTabbed(out), nil
	}
	if out, err := exec.CommandContext(ctx, "rpm", "-qa", "--qf", "%{NAME}\t%{VERSION}\n").Output(); err == nil {
		return parseTabbed(out), nil
	}
	return nil, errors.New("no supported package manager found")
}

func listApplications(dir string) ([]SoftwareEntry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var entries []SoftwareEntry
	for _, it := range items {
		if !strings.HasSuffix(it.Name(), ".app") {
			continue
		}
		entries = append(entries, SoftwareEntry{Name: strings.TrimSuffix(filepath.Base(it.Name()), ".app")})
	}
	return entries, nil
}
