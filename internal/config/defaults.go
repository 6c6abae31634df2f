package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "chatpipe"

// DataDir returns the platform data directory, or CHATPIPE_DATA_DIR when set.
//
//   - macOS:   ~/Library/Application Support/chatpipe
//   - Linux:   $XDG_DATA_HOME/chatpipe or ~/.local/share/chatpipe
//   - Windows: %APPDATA%\chatpipe
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		return dir
	}
	home := homeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(home, "AppData", "Roaming", appName)
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home, ".local", "share", appName)
	}
}

// ConfigDir returns the platform configuration directory.
func ConfigDir() string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(homeDir(), ".config", appName)
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// SupportedConfigFormats lists the file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{".toml", ".yaml", ".yml"}
}

// FindConfigFile returns the first existing config file in ConfigDir, or "".
func FindConfigFile() string {
	dir := ConfigDir()
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
