//go:build windows

package agent

import (
	"context"
	"log"
	"strings"

	"golang.org/x/sys/windows/registry"
)

var uninstallKeys = []struct {
	root registry.Key
	path string
}{
	{registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall`},
	{registry.LOCAL_MACHINE, `SOFTWARE\WOW6432Node\Microsoft\Windows\CurrentVersion\Uninstall`},
	{registry.CURRENT_USER, `SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall`},
}

// skipKeywords hides system components and runtimes from the list.
var skipKeywords = []string{
	"update", "microsoft", "windows", "cache", "installer",
	"pack", "driver", "system", "component", "setup",
	"prerequisite", "runtime", "application", "sdk",
}

// DefaultInventory reads the uninstall registry keys.
func DefaultInventory(ctx context.Context) ([]SoftwareEntry, error) {
	var entries []SoftwareEntry
	for _, uk := range uninstallKeys {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		k, err := registry.OpenKey(uk.root, uk.path, registry.ENUMERATE_SUB_KEYS|registry.QUERY_VALUE)
		if err != nil {
			log.Printf("Error accessing %s: %v", uk.path, err)
			continue
		}
		names, err := k.ReadSubKeyNames(-1)
		if err != nil {
			_ = k.Close()
			continue
		}
		for _, n := range names {
			if e, ok := readUninstallEntry(k, n); ok {
				entries = append(entries, e)
			}
		}
		_ = k.Close()
	}
	return entries, nil
}

func readUninstallEntry(parent registry.Key, name string) (SoftwareEntry, bool) {
	sub, err := registry.OpenKey(parent, name, registry.QUERY_VALUE)
	if err != nil {
		return SoftwareEntry{}, false
	}
	defer sub.Close() //nolint:errcheck

	display, _, err := sub.GetStringValue("DisplayName")
	if err != nil || strings.TrimSpace(display) == "" {
		return SoftwareEntry{}, false
	}
	lower := strings.ToLower(display)
	for _, kw := range skipKeywords {
		if strings.Contains(lower, kw) {
			return SoftwareEntry{}, false
		}
	}
	ver, _, _ := sub.GetStringValue("DisplayVersion")
	return SoftwareEntry{Name: display, Version: ver}, true
}
