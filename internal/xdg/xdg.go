// Package xdg resolves the runtime's filesystem roots from the XDG base
// directory environment variables, falling back to platform defaults when
// unset. The resolved roots are exported as package-level variables.
package xdg

import (
	"os"
	"path/filepath"
)

// DataHome is the root for persisted runtime state (e.g. the package/asset
// cache tree described in spec.md §6). Resolved from XDG_DATA_HOME.
var DataHome = find("XDG_DATA_HOME", ".local/share")

// CacheHome is the root for the flat cache.json + fetched-file tree.
// Resolved from XDG_CACHE_HOME.
var CacheHome = find("XDG_CACHE_HOME", ".cache")

// ConfigHome is the root for user configuration. Resolved from
// XDG_CONFIG_HOME.
var ConfigHome = find("XDG_CONFIG_HOME", ".config")

const appDir = "kvm"

func find(envVar, defaultRel string) string {
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, appDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, defaultRel, appDir)
}

// CachePath joins CacheHome with the given path elements, e.g.
// CachePath("cache.json") for the persisted (package, version) → content-hash
// index described in spec.md §6.
func CachePath(elem ...string) string {
	return filepath.Join(append([]string{CacheHome}, elem...)...)
}
