package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths locates the kiosk's config file and its data directory. The data
// directory holds the SQLite store, stored evidence, the age key pair and
// the operation logs; config init derives all of those from BaseDir.
type Paths struct {
	ConfigPath string
	BaseDir    string
}

// DefaultPaths resolves the kiosk paths. Each one comes from the first
// source that is set:
//
//	config file:    KIOSK_CONFIG_PATH, $XDG_CONFIG_HOME/kiosk.toml, ~/.config/kiosk.toml
//	data directory: KIOSK_HOME, $XDG_DATA_HOME/kiosk, ~/.local/share/kiosk
//
// Kiosks provisioned as a system service usually pin both with the
// KIOSK_* variables.
func DefaultPaths() (Paths, error) {
	configPath, err := resolve("KIOSK_CONFIG_PATH", "XDG_CONFIG_HOME", "kiosk.toml", ".config")
	if err != nil {
		return Paths{}, fmt.Errorf("locating config file: %w", err)
	}
	baseDir, err := resolve("KIOSK_HOME", "XDG_DATA_HOME", "kiosk", ".local", "share")
	if err != nil {
		return Paths{}, fmt.Errorf("locating data directory: %w", err)
	}
	return Paths{ConfigPath: configPath, BaseDir: baseDir}, nil
}

// resolve returns the override variable verbatim, else name under the XDG
// directory, else name under the home-relative fallback.
func resolve(override, xdg, name string, fallback ...string) (string, error) {
	if path := os.Getenv(override); path != "" {
		return path, nil
	}
	if dir := os.Getenv(xdg); dir != "" {
		return filepath.Join(dir, name), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append(append([]string{home}, fallback...), name)...), nil
}
