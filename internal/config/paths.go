package config

import (
	"os"
	"path/filepath"
	"strings"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolvePaths expands ~ in every filesystem path the config holds.
func (c *Config) resolvePaths() {
	c.DataDir = expandHome(c.DataDir)
	c.LogFile.Path = expandHome(c.LogFile.Path)
	c.Station.ControlDir = expandHome(c.Station.ControlDir)
}
