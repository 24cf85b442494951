//go:build linux
// +build linux

package cliffi

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

// ConfigFileName is looked up in the working directory, then in $HOME.
const ConfigFileName = ".cliffi.toml"

const (
	defaultHistoryFile = ".cliffi_history"
	defaultInitFile    = ".cliffi_init"
)

// Config holds the settings read from a .cliffi.toml file.
//
//	log-level = "warn"
//	library-paths = ["/opt/vendor/lib"]
//	[aliases]
//	libc = "/lib/x86_64-linux-gnu/libc.so.6"
type Config struct {
	LogLevel     string            `toml:"log-level"`
	NoColor      bool              `toml:"no-color"`
	LibraryPaths []string          `toml:"library-paths,omitempty"`
	HistoryFile  string            `toml:"history-file"`
	InitFile     string            `toml:"init-file"`
	Aliases      map[string]string `toml:"aliases,omitempty"`
	ExitOnFail   bool              `toml:"exit-on-fail"`
}

// DefaultConfig is used when no file is found.
func DefaultConfig() Config {
	return Config{
		LogLevel:    "verbose",
		HistoryFile: defaultHistoryFile,
		InitFile:    defaultInitFile,
	}
}

// LoadConfig reads path over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var file Config
	if err := toml.Unmarshal(buf, &file); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.HistoryFile != "" {
		cfg.HistoryFile = file.HistoryFile
	}
	if file.InitFile != "" {
		cfg.InitFile = file.InitFile
	}
	cfg.NoColor = file.NoColor
	cfg.ExitOnFail = file.ExitOnFail
	cfg.LibraryPaths = file.LibraryPaths
	cfg.Aliases = file.Aliases
	return cfg, nil
}

// FindConfig returns the config file to use, or "" when there is none.
func FindConfig() string {
	return findDotFile(ConfigFileName)
}

// FindInitFile returns the init file to run, or "" when there is none.
func FindInitFile(name string) string {
	if name == "" {
		name = defaultInitFile
	}
	if filepath.IsAbs(name) {
		if fileExists(name) {
			return name
		}
		return ""
	}
	return findDotFile(name)
}

// findDotFile looks for name in the working directory, then in $HOME.
func findDotFile(name string) string {
	if fileExists(name) {
		if abs, err := filepath.Abs(name); err == nil {
			return abs
		}
		return name
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, name)
		if fileExists(p) {
			return p
		}
	}
	return ""
}
