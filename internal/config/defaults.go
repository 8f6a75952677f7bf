package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "evidenced"

// DataDir returns the base evidenced directory.
// Uses platform-specific paths or the EVIDENCED_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("EVIDENCED_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/evidenced/
//   - Linux:   ~/.local/share/evidenced/
//   - Windows: %APPDATA%\evidenced\
//
// Falls back to ~/.evidenced if platform detection fails.
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
//   - macOS:   ~/Library/Application Support/evidenced/
//   - Linux:   ~/.config/evidenced/
//   - Windows: %APPDATA%\evidenced\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir() // macOS uses same dir for config and data
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

func homeDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home
}

func macOSDataDir() string {
	return filepath.Join(homeDir(), "Library", "Application Support", appName)
}

// Linux paths follow the XDG Base Directory Specification.

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appName)
	}
	return filepath.Join(homeDir(), ".local", "share", appName)
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, appName)
	}
	return filepath.Join(homeDir(), ".config", appName)
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, appName)
	}
	return filepath.Join(homeDir(), "AppData", "Roaming", appName)
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), "."+appName)
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
		DataDir(),
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
