// Package config handles configuration loading, validation, and management for fixity.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/fixity/
//   - Linux:   ~/.local/share/fixity/
//   - Windows: %APPDATA%\fixity\
//
// Falls back to ~/.fixity if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/fixity/
//   - Linux:   ~/.config/fixity/
//   - Windows: %APPDATA%\fixity\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir() // macOS uses same dir for config and data
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir() // Windows uses same dir for config and data
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/fixity/
//   - Linux:   ~/.local/state/fixity/
//   - Windows: %LOCALAPPDATA%\fixity\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		home := homeDir()
		return filepath.Join(home, "Library", "Logs", "fixity")
	case "linux":
		if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
			return filepath.Join(stateHome, "fixity")
		}
		return filepath.Join(homeDir(), ".local", "state", "fixity")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "fixity", "logs")
		}
		return filepath.Join(homeDir(), "AppData", "Local", "fixity", "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

func macOSDataDir() string {
	return filepath.Join(homeDir(), "Library", "Application Support", "fixity")
}

// linuxDataDir follows the XDG Base Directory Specification.
func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "fixity")
	}
	return filepath.Join(homeDir(), ".local", "share", "fixity")
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fixity")
	}
	return filepath.Join(homeDir(), ".config", "fixity")
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "fixity")
	}
	return filepath.Join(homeDir(), "AppData", "Roaming", "fixity")
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), ".fixity")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// DefaultContainerExtensions returns the container extensions intake
// watches for when the configuration names none. Split-raw numbering
// beyond .001 is picked up through segment enumeration, not intake.
func DefaultContainerExtensions() []string {
	return []string{
		// Raw images
		".dd",
		".img",
		".raw",
		".bin",

		// Split raw (first segment)
		".001",

		// Expert Witness
		".e01",
		".ex01",

		// Logical evidence
		".l01",

		// AFF4
		".aff4",
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Config directory
	// 3. Data directory
	searchDirs := []string{
		".",
		PlatformConfigDir(),
		FixityDir(),
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
