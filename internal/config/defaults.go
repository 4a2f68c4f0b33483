package config

import (
	"os"
	"path/filepath"
	"runtime"

	"tweakengine/internal/logging"
)

// PlatformDataDir is where the history database and tweak definitions live.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/tweakengine/
//   - Linux:   ~/.local/share/tweakengine/
//   - Windows: %ProgramData%\tweakengine\
//
// Tweaks change machine-wide state, so Windows keeps history machine-wide too.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return linuxDataDir()
	}
}

// PlatformConfigDir holds config.toml.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/tweakengine/
//   - Linux:   ~/.config/tweakengine/
//   - Windows: %ProgramData%\tweakengine\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		return linuxConfigDir()
	default:
		return PlatformDataDir()
	}
}

// PlatformLogDir is shared with the logging package defaults.
func PlatformLogDir() string {
	return logging.DefaultLogDir()
}

func macOSDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Application Support", "tweakengine")
}

// Linux paths follow the XDG Base Directory Specification.

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "tweakengine")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "tweakengine")
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tweakengine")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tweakengine")
}

func windowsDataDir() string {
	if programData := os.Getenv("ProgramData"); programData != "" {
		return filepath.Join(programData, "tweakengine")
	}
	return filepath.Join(`C:\ProgramData`, "tweakengine")
}

// SupportedConfigFormats lists config file extensions in lookup order.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile returns the first config.<ext> found in the working
// directory or PlatformConfigDir, or "" when there is none.
func FindConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Config directory
	searchDirs := []string{
		".",
		PlatformConfigDir(),
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

// ResolveDefinition maps a bare file name onto DefinitionsDir. Paths with a
// directory component, and names not found there, are returned unchanged.
func (c *Config) ResolveDefinition(name string) string {
	if c.Engine.DefinitionsDir == "" || filepath.Base(name) != name {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	candidate := filepath.Join(c.Engine.DefinitionsDir, name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return name
}
