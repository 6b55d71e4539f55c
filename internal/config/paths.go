package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "nasgate"

// File names inside the config and data directories.
const (
	configFileName  = "config.toml"
	catalogFileName = "catalog.db"
	pidFileName     = "nasgate.pid"
	dotenvFileName  = ".env"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/nasgate).
// On macOS, uses ~/Library/Application Support/nasgate per Apple guidelines.
// Other platforms fall back to ~/.config/nasgate.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// linuxConfigDir returns the XDG-compliant config directory for Linux.
func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform-specific directory for application
// data (the SQLite catalog, the pid file).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/nasgate).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// linuxDataDir returns the XDG-compliant data directory for Linux.
func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither NASGATE_CONFIG nor --config is
// specified.
func DefaultConfigPath() string {
	return joinIfDir(DefaultConfigDir(), configFileName)
}

// DefaultCatalogPath returns the default SQLite catalog location.
func DefaultCatalogPath() string {
	return joinIfDir(DefaultDataDir(), catalogFileName)
}

// DefaultPIDPath returns the default pid file location for "serve".
func DefaultPIDPath() string {
	return joinIfDir(DefaultDataDir(), pidFileName)
}

// DefaultDotenvPath returns the .env file consulted next to the config.
func DefaultDotenvPath() string {
	return joinIfDir(DefaultConfigDir(), dotenvFileName)
}

func joinIfDir(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}
