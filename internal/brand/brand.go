// Package brand provides centralized naming and default paths for rampart.
package brand

import (
	"os"
	"path/filepath"
)

const (
	Name            = "Rampart"
	LowerName       = "rampart"
	BinaryName      = "rampart"
	Description     = "Declarative iptables/ipset compiler"
	ConfigEnvPrefix = "RAMPART"

	DefaultConfigDir = "/etc/rampart"
	ConfigFileName   = "rampart.hcl"

	// DefaultNfbpfCompile is the helper used by bpf environment bindings.
	DefaultNfbpfCompile = "/usr/lib/rampart/nfbpf_compile"
)

// Version is set at build time via -ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// GetConfigDir returns the config directory, checking env vars first.
// Priority: RAMPART_CONFIG_DIR > RAMPART_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return DefaultConfigDir
}

// DefaultConfigPath returns the path of the config file used when none is given.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// NfbpfCompile returns the nfbpf_compile helper path, honoring RAMPART_NFBPF.
func NfbpfCompile() string {
	if p := os.Getenv(ConfigEnvPrefix + "_NFBPF"); p != "" {
		return p
	}
	return DefaultNfbpfCompile
}
