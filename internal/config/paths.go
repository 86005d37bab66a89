package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const appDir = "famcal"

// DefaultPath resolves the config file: FAMCAL_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/famcal/config.yaml.
func DefaultPath() string {
	if explicit := os.Getenv("FAMCAL_CONFIG"); explicit != "" {
		return explicit
	}
	xdg.Reload()
	return filepath.Join(baseDir(xdg.ConfigHome, ".config"), appDir, "config.yaml")
}

// DataDir is where the event database lives: FAMCAL_DIR if set, otherwise
// $XDG_DATA_HOME/famcal.
func DataDir() string {
	if explicit := os.Getenv("FAMCAL_DIR"); explicit != "" {
		return explicit
	}
	xdg.Reload()
	return filepath.Join(baseDir(xdg.DataHome, filepath.Join(".local", "share")), appDir)
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "famcal.db")
}

// CacheDir returns the default ICS download cache directory.
func CacheDir() string {
	xdg.Reload()
	return filepath.Join(baseDir(xdg.CacheHome, ".cache"), appDir, "ics")
}

// baseDir returns dir, or home/fallback when the XDG variable resolved to
// nothing (no HOME in minimal containers).
func baseDir(dir, fallback string) string {
	if dir != "" {
		return dir
	}
	home := xdg.Home
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), appDir)
		}
	}
	return filepath.Join(home, fallback)
}
